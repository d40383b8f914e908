package csvio

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"nodevalidator/internal/types"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead(t *testing.T) {
	in := "URL,Target_Node,notes\n" +
		"https://a.test/,#main,first\n" +
		",#skipped,\n" +
		"https://b.test/,\"div[data-x=\"\"1\"\"]\",\n"

	items, err := Read(strings.NewReader(in))
	require.NoError(t, err)

	want := []types.Item{
		{URL: "https://a.test/", TargetNode: "#main", Comments: "first"},
		{URL: "https://b.test/", TargetNode: `div[data-x="1"]`},
	}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
}

func TestReadStatusColumn(t *testing.T) {
	in := "url,targetNode,status,comments\nhttps://a.test/,#a,True Positive,ok\nhttps://a.test/,#b,Not Found,\n"
	items, err := Read(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, types.StatusTruePositive, items[0].Status)
	assert.Equal(t, types.StatusNotValid, items[1].Status)

	_, err = Read(strings.NewReader("url,targetNode,status\nhttps://a.test/,#a,Maybe\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadNoValidRows(t *testing.T) {
	for _, in := range []string{"", "url,selector\nhttps://a.test/,#a\n", "url,targetNode\n"} {
		_, err := Read(strings.NewReader(in))
		assert.ErrorIs(t, err, ErrNoValidRows, "input %q", in)
	}
}

func TestExportThenImportKeepsRows(t *testing.T) {
	items := []types.Item{
		{URL: "https://a.test/x?q=1,2", TargetNode: "//div[@id='a']", Status: types.StatusFalseNegative, Comments: "multi\nline"},
		{URL: "https://b.test/", TargetNode: "#b"},
		{URL: "https://c.test/", TargetNode: "document.querySelector('.c')", Status: types.StatusSkipped},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, items))
	assert.True(t, strings.HasPrefix(buf.String(), "url,targetNode,status,comments\n"))
	assert.Contains(t, buf.String(), ",Pending,")

	back, err := Read(&buf)
	require.NoError(t, err)
	require.Len(t, back, len(items))
	for i := range items {
		assert.Equal(t, items[i].URL, back[i].URL)
		assert.Equal(t, items[i].TargetNode, back[i].TargetNode)
	}
}

func TestFilename(t *testing.T) {
	ts := time.Date(2026, 3, 9, 14, 5, 7, 0, time.UTC)
	assert.Equal(t, "node-validation-results-2026-03-09-14-05-07.csv", Filename(ts))
}
