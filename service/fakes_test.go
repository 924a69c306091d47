package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"media-enricher/entities"
	"media-enricher/pkg/broker"
	"media-enricher/pkg/process"
	"media-enricher/pkg/storage"
	"media-enricher/repository"
)

type storedBlob struct {
	data        []byte
	contentType string
}

type fakeStore struct {
	mu      sync.Mutex
	blobs   map[string]storedBlob
	openErr error
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{blobs: map[string]storedBlob{}}
}

func (s *fakeStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	b, ok := s.blobs[name]
	if !ok {
		return nil, storage.ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (s *fakeStore) Exists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[name]
	return ok, nil
}

func (s *fakeStore) PutFile(_ context.Context, name, path, contentType string) error {
	if s.putErr != nil {
		return s.putErr
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[name] = storedBlob{data: data, contentType: contentType}
	return nil
}

func (s *fakeStore) PresignedURL(_ context.Context, name string, _ time.Duration) (string, error) {
	return "https://blobs.test/" + name, nil
}

type published struct {
	topic string
	msg   broker.Message
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, msg broker.Message) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{topic: topic, msg: msg})
	return nil
}

func (p *fakePublisher) Close() error { return nil }

// fakeRunner stands in for the external tools. It writes output into a temp
// file and drives HandleOutput the way the real runner does.
type fakeRunner struct {
	dir    string
	output []byte
	stdout []byte
	err    error
	specs  []process.Spec
	args   [][]string
	input  []byte
}

func (r *fakeRunner) Run(ctx context.Context, spec process.Spec) (*process.Result, error) {
	r.specs = append(r.specs, spec)
	r.args = append(r.args, spec.Args("/tmp/in"+spec.InputExt, "/tmp/out"+spec.OutputExt))
	if spec.Input != nil {
		r.input, _ = io.ReadAll(spec.Input)
	}
	if r.err != nil {
		return nil, r.err
	}
	if spec.OutputExt != "" && spec.HandleOutput != nil {
		path := filepath.Join(r.dir, "out"+spec.OutputExt)
		if err := os.WriteFile(path, r.output, 0o600); err != nil {
			return nil, err
		}
		defer os.Remove(path)
		if err := spec.HandleOutput(ctx, path); err != nil {
			return nil, err
		}
	}
	return &process.Result{Stdout: r.stdout}, nil
}

func testJPEG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 32, 18))
	for x := 0; x < 32; x++ {
		for y := 0; y < 18; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 14), B: 64, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85})
	return buf.Bytes()
}

// fakeVideoRepo keeps video rows in memory keyed by blob name.
type fakeVideoRepo struct {
	mu     sync.Mutex
	videos map[string]*entities.VideoAsset
}

func newFakeVideoRepo() *fakeVideoRepo {
	return &fakeVideoRepo{videos: map[string]*entities.VideoAsset{}}
}

func (r *fakeVideoRepo) CreateVideoAsset(_ context.Context, asset *entities.VideoAsset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.videos[asset.BlobName]; ok {
		return nil
	}
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	cp := *asset
	r.videos[asset.BlobName] = &cp
	return nil
}

func (r *fakeVideoRepo) find(key repository.VideoKey) *entities.VideoAsset {
	if key.BlobName != "" {
		return r.videos[key.BlobName]
	}
	for _, v := range r.videos {
		if v.ID == key.ID {
			return v
		}
	}
	return nil
}

func (r *fakeVideoRepo) UpdateVideoMetadata(_ context.Context, key repository.VideoKey, m repository.VideoMetadata) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.find(key)
	if v == nil {
		return 0, nil
	}
	v.Width, v.Height, v.DurationSeconds = &m.Width, &m.Height, &m.DurationSeconds
	v.UpdatedAt = time.Now()
	return 1, nil
}

func (r *fakeVideoRepo) UpdateVideoThumbnail(_ context.Context, blobName, thumbnail string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.videos[blobName]
	if v == nil {
		return 0, nil
	}
	v.ThumbnailBlobName = &thumbnail
	v.UpdatedAt = time.Now()
	return 1, nil
}

func (r *fakeVideoRepo) FindVideoAsset(_ context.Context, blobName string) (*entities.VideoAsset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.videos[blobName]
	if v == nil {
		return nil, repository.ErrVideoNotFound
	}
	cp := *v
	return &cp, nil
}

func (r *fakeVideoRepo) FindVideoEnrichment(_ context.Context, blobName string) (*repository.VideoEnrichment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.videos[blobName]
	if v == nil {
		return nil, repository.ErrVideoNotFound
	}
	out := &repository.VideoEnrichment{ID: v.ID, BlobName: v.BlobName, ContentType: v.ContentType, UpdatedAt: v.UpdatedAt}
	if v.Width != nil {
		out.Width = sql.NullInt32{Int32: *v.Width, Valid: true}
	}
	if v.Height != nil {
		out.Height = sql.NullInt32{Int32: *v.Height, Valid: true}
	}
	if v.DurationSeconds != nil {
		out.DurationSeconds = sql.NullFloat64{Float64: *v.DurationSeconds, Valid: true}
	}
	if v.ThumbnailBlobName != nil {
		out.ThumbnailBlobName = sql.NullString{String: *v.ThumbnailBlobName, Valid: true}
	}
	return out, nil
}

// fakeIdentityRepo is an in-memory IdentityRepository. Transactions apply
// their writes only when the callback succeeds.
type fakeIdentityRepo struct {
	mu            sync.Mutex
	processed     map[string]time.Time
	users         map[string]entities.User
	upserts       int
	checkpoint    *time.Time
	advances      []time.Time
	upsertErr     error
	checkpointErr error
}

func newFakeIdentityRepo() *fakeIdentityRepo {
	return &fakeIdentityRepo{processed: map[string]time.Time{}, users: map[string]entities.User{}}
}

func (r *fakeIdentityRepo) Transaction(ctx context.Context, callback func(ctx context.Context, tx repository.IdentityRepository) error, _ ...*sql.TxOptions) error {
	tx := &fakeTx{parent: r, processed: map[string]time.Time{}, users: map[string]entities.User{}}
	if err := callback(ctx, tx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range tx.processed {
		r.processed[k] = v
	}
	for k, v := range tx.users {
		r.users[k] = v
		r.upserts++
	}
	return nil
}

func (r *fakeIdentityRepo) IsEventProcessed(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.processed[id]
	return ok, nil
}

func (r *fakeIdentityRepo) MarkEventProcessed(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.processed[id]; ok {
		return false, nil
	}
	r.processed[id] = at
	return true, nil
}

func (r *fakeIdentityRepo) UpsertUser(_ context.Context, user *entities.User) error {
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ExternalID] = *user
	r.upserts++
	return nil
}

func (r *fakeIdentityRepo) GetOrCreateCheckpoint(_ context.Context, initial time.Time) (time.Time, error) {
	if r.checkpointErr != nil {
		return time.Time{}, r.checkpointErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.checkpoint == nil {
		t := initial
		r.checkpoint = &t
	}
	return *r.checkpoint, nil
}

func (r *fakeIdentityRepo) AdvanceCheckpoint(_ context.Context, to time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advances = append(r.advances, to)
	if r.checkpoint != nil && !to.After(*r.checkpoint) {
		return false, nil
	}
	r.checkpoint = &to
	return true, nil
}

func (r *fakeIdentityRepo) current() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.checkpoint == nil {
		return time.Time{}
	}
	return *r.checkpoint
}

type fakeTx struct {
	parent    *fakeIdentityRepo
	processed map[string]time.Time
	users     map[string]entities.User
}

func (t *fakeTx) Transaction(ctx context.Context, callback func(ctx context.Context, tx repository.IdentityRepository) error, _ ...*sql.TxOptions) error {
	return callback(ctx, t)
}

func (t *fakeTx) IsEventProcessed(ctx context.Context, id string) (bool, error) {
	if _, ok := t.processed[id]; ok {
		return true, nil
	}
	return t.parent.IsEventProcessed(ctx, id)
}

func (t *fakeTx) MarkEventProcessed(_ context.Context, id string, at time.Time) (bool, error) {
	t.processed[id] = at
	return true, nil
}

func (t *fakeTx) UpsertUser(_ context.Context, user *entities.User) error {
	if t.parent.upsertErr != nil {
		return t.parent.upsertErr
	}
	t.users[user.ExternalID] = *user
	return nil
}

func (t *fakeTx) GetOrCreateCheckpoint(ctx context.Context, initial time.Time) (time.Time, error) {
	return t.parent.GetOrCreateCheckpoint(ctx, initial)
}

func (t *fakeTx) AdvanceCheckpoint(ctx context.Context, to time.Time) (bool, error) {
	return t.parent.AdvanceCheckpoint(ctx, to)
}

var errTransient = errors.New("connection reset")
