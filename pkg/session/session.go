// Package session owns the interactive rebuild loop: it holds the current
// extraction parameters, runs at most one surface build at a time and
// publishes finished meshes for display and saving.
//
// All mutation goes through Run's event loop. Callers use the narrow entry
// points (SetParameter, RequestRebuild, RequestSave, Parameters) which enqueue
// typed events; the display reads the published mesh through Mesh.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"dicomsurface/internal/models"
	"dicomsurface/pkg/stl"
)

var (
	// ErrSaveTargetInvalid means the output directory is unusable or there is
	// no mesh to save yet. The session keeps running.
	ErrSaveTargetInvalid = errors.New("invalid save target")

	// ErrClosed is returned once Run has exited
	ErrClosed = errors.New("session closed")
)

// State is the build state of a session
type State int32

const (
	// Idle means no build is running; the published mesh is current
	Idle State = iota

	// Building means a worker is extracting a surface
	Building
)

func (s State) String() string {
	if s == Building {
		return "building"
	}
	return "idle"
}

// Builder extracts a surface; surface.Extractor implements it
type Builder interface {
	Extract(vol *models.ScalarVolume, params models.ParameterSet) (*models.Mesh, error)
}

// Update reports a finished build
type Update struct {
	// Mesh is the newly published mesh, nil when the build failed
	Mesh *models.Mesh

	// Params is the snapshot the build ran with
	Params models.ParameterSet

	Elapsed time.Duration
	Err     error
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the session logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithWriter selects the mesh file format used by saves (default binary STL)
func WithWriter(w stl.MeshWriter) Option {
	return func(s *Session) { s.writer = w }
}

// WithMetrics records build and save activity
func WithMetrics(m *Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session is the single owner of the parameter set and the published mesh
type Session struct {
	vol     *models.ScalarVolume
	builder Builder
	writer  stl.MeshWriter
	log     zerolog.Logger
	metrics *Metrics

	// params is only touched by the Run goroutine
	params models.ParameterSet

	events  chan event
	updates chan Update
	done    chan struct{}

	mesh  atomic.Pointer[models.Mesh]
	state atomic.Int32
}

type event interface{}

type setParameterEvent struct {
	name  models.ParamName
	value float64
	reply chan error
}

type rebuildEvent struct{}

type saveEvent struct {
	dir, name string
	reply     chan saveResult
}

type saveResult struct {
	path string
	err  error
}

type parametersEvent struct {
	reply chan models.ParameterSet
}

type buildResult struct {
	mesh    *models.Mesh
	params  models.ParameterSet
	elapsed time.Duration
	err     error
}

// New creates a session over vol starting from params
func New(vol *models.ScalarVolume, builder Builder, params models.ParameterSet, opts ...Option) *Session {
	s := &Session{
		vol:     vol,
		builder: builder,
		writer:  stl.BinaryWriter{},
		log:     zerolog.Nop(),
		params:  params,
		events:  make(chan event, 64),
		updates: make(chan Update, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

// Volume returns the session volume
func (s *Session) Volume() *models.ScalarVolume {
	return s.vol
}

// Mesh returns the currently published mesh, or nil before the first build.
// The returned mesh must not be modified.
func (s *Session) Mesh() *models.Mesh {
	return s.mesh.Load()
}

// State reports whether a build is in flight
func (s *Session) State() State {
	return State(s.state.Load())
}

// Updates delivers finished builds. Only the latest unread update is kept.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Done is closed when Run returns
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SetParameter changes one parameter. It never starts a build; the value is
// used by the next one.
func (s *Session) SetParameter(name models.ParamName, value float64) error {
	if _, err := (models.ParameterSet{}).Get(name); err != nil {
		return err
	}
	if err := models.ValidateValue(name, value); err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := s.send(setParameterEvent{name: name, value: value, reply: reply}); err != nil {
		return err
	}
	return await(s.done, reply, ErrClosed)
}

// RequestRebuild asks for a build with the current parameters. Requests made
// while a build runs are merged into a single follow-up build.
func (s *Session) RequestRebuild() error {
	return s.send(rebuildEvent{})
}

// RequestSave writes the published mesh to dir/name.ext and returns the path
func (s *Session) RequestSave(ctx context.Context, dir, name string) (string, error) {
	reply := make(chan saveResult, 1)
	if err := s.send(saveEvent{dir: dir, name: name, reply: reply}); err != nil {
		return "", err
	}
	select {
	case res := <-reply:
		return res.path, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.done:
		select {
		case res := <-reply:
			return res.path, res.err
		default:
			return "", ErrClosed
		}
	}
}

// Parameters returns a copy of the current parameter set
func (s *Session) Parameters(ctx context.Context) (models.ParameterSet, error) {
	reply := make(chan models.ParameterSet, 1)
	if err := s.send(parametersEvent{reply: reply}); err != nil {
		return models.ParameterSet{}, err
	}
	select {
	case p := <-reply:
		return p, nil
	case <-ctx.Done():
		return models.ParameterSet{}, ctx.Err()
	case <-s.done:
		select {
		case p := <-reply:
			return p, nil
		default:
			return models.ParameterSet{}, ErrClosed
		}
	}
}

func (s *Session) send(ev event) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func await(done <-chan struct{}, reply <-chan error, closed error) error {
	select {
	case err := <-reply:
		return err
	case <-done:
		select {
		case err := <-reply:
			return err
		default:
			return closed
		}
	}
}

// Run processes events until ctx is cancelled. An in-flight build is not
// interrupted; its result is discarded.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	results := make(chan buildResult, 1)
	building, pending := false, false

	start := func() {
		building = true
		s.state.Store(int32(Building))
		snapshot := s.params
		s.log.Debug().Str("params", snapshot.String()).Msg("build started")
		go s.build(snapshot, results)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-s.events:
			switch ev := ev.(type) {
			case setParameterEvent:
				err := s.params.Set(ev.name, ev.value)
				if err == nil {
					s.log.Info().Str("parameter", string(ev.name)).Float64("value", ev.value).Msg("parameter set")
				}
				ev.reply <- err

			case rebuildEvent:
				if building {
					pending = true
					s.metrics.Coalesced.Inc()
					s.log.Debug().Msg("rebuild queued behind running build")
					continue
				}
				start()

			case saveEvent:
				path, err := s.save(ev.dir, ev.name)
				if err != nil {
					s.metrics.Saves.WithLabelValues("error").Inc()
					s.log.Warn().Err(err).Str("dir", ev.dir).Msg("save failed")
				} else {
					s.metrics.Saves.WithLabelValues("ok").Inc()
					s.log.Info().Str("path", path).Msg("mesh saved")
				}
				ev.reply <- saveResult{path: path, err: err}

			case parametersEvent:
				ev.reply <- s.params
			}

		case res := <-results:
			building = false
			s.finish(res)
			if pending {
				pending = false
				start()
			} else {
				s.state.Store(int32(Idle))
			}
			s.publish(Update{Mesh: res.mesh, Params: res.params, Elapsed: res.elapsed, Err: res.err})
		}
	}
}

// build runs on its own goroutine with a parameter snapshot
func (s *Session) build(params models.ParameterSet, results chan<- buildResult) {
	start := time.Now()
	var res buildResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				res.err = fmt.Errorf("surface build panicked: %v", r)
			}
		}()
		res.mesh, res.err = s.builder.Extract(s.vol, params)
	}()
	res.params = params
	res.elapsed = time.Since(start)
	results <- res
}

func (s *Session) finish(res buildResult) {
	s.metrics.BuildDuration.Observe(res.elapsed.Seconds())
	if res.err != nil {
		s.metrics.Builds.WithLabelValues("error").Inc()
		s.log.Error().Err(res.err).Str("params", res.params.String()).Msg("build failed, keeping previous mesh")
		return
	}
	s.metrics.Builds.WithLabelValues("ok").Inc()
	s.metrics.Triangles.Set(float64(res.mesh.TriangleCount()))
	s.mesh.Store(res.mesh)

	evt := s.log.Info()
	if res.mesh.IsEmpty() {
		evt = s.log.Warn()
	}
	evt.Int("triangles", res.mesh.TriangleCount()).
		Int("vertices", len(res.mesh.Vertices)).
		Dur("elapsed", res.elapsed).
		Str("params", res.params.String()).
		Msg("mesh published")
}

// publish delivers u, replacing an unread older update
func (s *Session) publish(u Update) {
	for {
		select {
		case s.updates <- u:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

func (s *Session) save(dir, name string) (string, error) {
	mesh := s.mesh.Load()
	if mesh == nil {
		return "", fmt.Errorf("%w: no mesh has been built yet", ErrSaveTargetInvalid)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSaveTargetInvalid, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrSaveTargetInvalid, dir)
	}
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsRune(name, filepath.Separator) {
		return "", fmt.Errorf("%w: bad model name %q", ErrSaveTargetInvalid, name)
	}

	path := filepath.Join(dir, name+"."+s.writer.Ext())
	tmp := path + ".tmp"
	if err := stl.SaveMesh(tmp, name, mesh, s.writer); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to move mesh into place: %w", err)
	}
	return path, nil
}
