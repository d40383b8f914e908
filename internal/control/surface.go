package control

import (
	"context"
	"fmt"
	"sync"

	"nodevalidator/internal/coordinator"
	"nodevalidator/internal/logging"
	"nodevalidator/internal/notify"
	"nodevalidator/internal/types"
)

// API is the part of the command protocol the Surface needs.
type API interface {
	State(ctx context.Context) (coordinator.Snapshot, error)
	RecordVerdict(ctx context.Context, index int, status types.Status, comments string) error
}

// View is what a front end renders: the confirmed state with unconfirmed
// verdicts overlaid.
type View struct {
	coordinator.Snapshot
	Previewed map[int]bool
	Located   *notify.ElementLocated
	Complete  *notify.RunComplete
	LastError string
}

// Surface keeps a read-mostly copy of the run state. It never trusts its
// own defaults: the copy comes from Refresh, which re-reads everything.
type Surface struct {
	api API

	mu       sync.Mutex
	snap     coordinator.Snapshot
	loaded   bool
	preview  map[int]types.Item
	located  *notify.ElementLocated
	complete *notify.RunComplete
	lastErr  string
}

// NewSurface creates a surface over api. Call Refresh before View.
func NewSurface(api API) *Surface {
	return &Surface{api: api, preview: make(map[int]types.Item)}
}

// Refresh re-reads the full run state.
func (s *Surface) Refresh(ctx context.Context) error {
	snap, err := s.api.State(ctx)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("refresh state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.loaded = true
	if snap.Phase != types.PhaseComplete {
		s.complete = nil
	}
	// A preview is dropped once the confirmed state agrees with it.
	for i, it := range s.preview {
		if i < len(snap.Items) && snap.Items[i].Status == it.Status && snap.Items[i].Comments == it.Comments {
			delete(s.preview, i)
		}
	}
	return nil
}

// Apply folds a push notification into the surface and refreshes. The
// notification is only a hint; the state itself always comes from the server.
func (s *Surface) Apply(ctx context.Context, e notify.Event) error {
	s.mu.Lock()
	switch e.Type {
	case notify.KindVerdictRecorded:
		var p notify.VerdictRecorded
		if err := e.Decode(&p); err == nil {
			delete(s.preview, p.Index)
		}
	case notify.KindVerdictFailed:
		var p notify.VerdictFailed
		if err := e.Decode(&p); err == nil {
			delete(s.preview, p.Index)
			s.lastErr = fmt.Sprintf("verdict for item %d was not saved: %s", p.Index+1, p.Error)
		}
	case notify.KindRunComplete:
		var p notify.RunComplete
		if err := e.Decode(&p); err == nil {
			s.complete = &p
		}
	case notify.KindElementLocated:
		var p notify.ElementLocated
		if err := e.Decode(&p); err == nil {
			s.located = &p
		}
	default:
		logging.Get(logging.CategoryControl).Debug("Ignoring event %s", e.Type)
	}
	s.mu.Unlock()
	return s.Refresh(ctx)
}

// Preview shows status on item index without sending it.
func (s *Surface) Preview(index int, status types.Status, comments string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded || index < 0 || index >= len(s.snap.Items) {
		return coordinator.ErrIndexOutOfRange
	}
	it := s.snap.Items[index]
	it.Status = status
	it.Comments = comments
	s.preview[index] = it
	return nil
}

// Discard drops the preview for index.
func (s *Surface) Discard(index int) {
	s.mu.Lock()
	delete(s.preview, index)
	s.mu.Unlock()
}

// Submit previews the verdict and sends it. The preview stays until a
// notification or refresh confirms it, and is dropped if the command fails.
func (s *Surface) Submit(ctx context.Context, index int, status types.Status, comments string) error {
	if err := s.Preview(index, status, comments); err != nil {
		return err
	}
	if err := s.api.RecordVerdict(ctx, index, status, comments); err != nil {
		s.mu.Lock()
		delete(s.preview, index)
		s.lastErr = err.Error()
		s.mu.Unlock()
		return err
	}
	return nil
}

// View returns a copy of the state with previews overlaid.
func (s *Surface) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		Snapshot:  s.snap,
		Previewed: make(map[int]bool, len(s.preview)),
		LastError: s.lastErr,
	}
	v.Items = types.CloneItems(s.snap.Items)
	for i, it := range s.preview {
		if i < len(v.Items) {
			v.Items[i] = it
			v.Previewed[i] = true
		}
	}
	if s.located != nil {
		l := *s.located
		v.Located = &l
	}
	if s.complete != nil {
		c := *s.complete
		v.Complete = &c
	}
	return v
}

// ClearError forgets the last error.
func (s *Surface) ClearError() {
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
}
