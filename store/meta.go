package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// MediaType identifies volcache archives in metadata sidecars.
const MediaType = "application/vnd.volcache.archive.v1.tar+lz4"

// AnnotationKey records the raw cache key an archive was saved under.
const AnnotationKey = "io.volcache.key"

var (
	// ErrNoMeta is returned when an archive has no metadata sidecar.
	ErrNoMeta = errors.New("store: entry has no metadata")

	// ErrDigestMismatch is returned when archive content does not match its
	// recorded digest.
	ErrDigestMismatch = errors.New("store: archive digest mismatch")
)

// Meta describes one generation of an archive.
type Meta struct {
	Key     string
	Digest  digest.Digest
	Size    int64
	Created time.Time
}

// MetaHistory is the number of archive generations a sidecar describes.
const MetaHistory = 4

// errBadMeta marks a sidecar that exists but cannot be used.
var errBadMeta = errors.New("store: bad metadata")

// WriteMeta records m as the newest generation of the named archive.
//
// The sidecar is an OCI index written atomically next to the archive. It
// keeps the last MetaHistory descriptors, newest first, so it must be
// written before the archive is committed: a reader that opened any recent
// generation of the archive then finds its descriptor. Writers of the same
// name must be serialised.
func (s *Store) WriteMeta(scope, name string, m Meta) error {
	path, err := s.Path(scope, name)
	if err != nil {
		return err
	}
	if err := m.Digest.Validate(); err != nil {
		return fmt.Errorf("store: invalid digest: %w", err)
	}

	prev, err := s.ReadMeta(scope, name)
	if err != nil && !errors.Is(err, ErrNoMeta) && !errors.Is(err, errBadMeta) {
		return err
	}
	manifests := []ocispec.Descriptor{descriptor(name, m)}
	for _, p := range prev {
		if len(manifests) == MetaHistory {
			break
		}
		if p.Digest != m.Digest {
			manifests = append(manifests, descriptor(name, p))
		}
	}

	index := ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: manifests,
	}
	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("store: encode metadata: %w", err)
	}
	if err := writeFileAtomic(path+MetaExt, data, s.filePerm); err != nil {
		return fmt.Errorf("store: write metadata: %w", err)
	}
	return nil
}

func descriptor(name string, m Meta) ocispec.Descriptor {
	return ocispec.Descriptor{
		MediaType: MediaType,
		Digest:    m.Digest,
		Size:      m.Size,
		Annotations: map[string]string{
			AnnotationKey:             m.Key,
			ocispec.AnnotationTitle:   name,
			ocispec.AnnotationCreated: m.Created.UTC().Format(time.RFC3339),
		},
	}
}

// ReadMeta loads the recorded generations of the named archive, newest
// first. It returns ErrNoMeta if the archive was saved without a sidecar.
func (s *Store) ReadMeta(scope, name string) ([]Meta, error) {
	path, err := s.Path(scope, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path + MetaExt) //nolint:gosec // name is validated as a single path element
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoMeta
		}
		return nil, fmt.Errorf("store: read metadata: %w", err)
	}

	var index ocispec.Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", errBadMeta, err)
	}
	if index.MediaType != ocispec.MediaTypeImageIndex {
		return nil, fmt.Errorf("%w: unexpected media type %q", errBadMeta, index.MediaType)
	}
	if len(index.Manifests) == 0 {
		return nil, fmt.Errorf("%w: no descriptors", errBadMeta)
	}

	metas := make([]Meta, 0, len(index.Manifests))
	for _, desc := range index.Manifests {
		if desc.MediaType != MediaType {
			return nil, fmt.Errorf("%w: unexpected media type %q", errBadMeta, desc.MediaType)
		}
		if err := desc.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("%w: invalid digest: %w", errBadMeta, err)
		}
		m := Meta{
			Key:    desc.Annotations[AnnotationKey],
			Digest: desc.Digest,
			Size:   desc.Size,
		}
		if created, ok := desc.Annotations[ocispec.AnnotationCreated]; ok {
			if t, err := time.Parse(time.RFC3339, created); err == nil {
				m.Created = t
			}
		}
		metas = append(metas, m)
	}
	return metas, nil
}

// Verify checks the named archive against its recorded generations and
// returns the one it matches.
func (s *Store) Verify(scope, name string) (Meta, error) {
	f, err := s.Open(scope, name)
	if err != nil {
		return Meta{}, err
	}
	defer f.Close()
	metas, err := s.ReadMeta(scope, name)
	if err != nil {
		return Meta{}, err
	}
	return VerifyFile(f, metas...)
}

// VerifyFile checks that f matches the size and digest of one of metas and
// returns the first that does. The file is read from the start and its
// offset is left at the end.
func VerifyFile(f *os.File, metas ...Meta) (Meta, error) {
	name := filepath.Base(f.Name())
	if len(metas) == 0 {
		return Meta{}, fmt.Errorf("%w: %s has no recorded digest", ErrDigestMismatch, name)
	}
	info, err := f.Stat()
	if err != nil {
		return Meta{}, err
	}
	sized := slices.DeleteFunc(slices.Clone(metas), func(m Meta) bool { return m.Size != info.Size() })
	if len(sized) == 0 {
		return Meta{}, fmt.Errorf("%w: %s is %d bytes, want %d", ErrDigestMismatch, name, info.Size(), metas[0].Size)
	}

	sums := make(map[digest.Algorithm]digest.Digest)
	for _, m := range sized {
		alg := m.Digest.Algorithm()
		got, ok := sums[alg]
		if !ok {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return Meta{}, fmt.Errorf("store: seek %s: %w", name, err)
			}
			if got, err = alg.FromReader(f); err != nil {
				return Meta{}, fmt.Errorf("store: hash %s: %w", name, err)
			}
			sums[alg] = got
		}
		if got == m.Digest {
			return m, nil
		}
	}
	return Meta{}, fmt.Errorf("%w: %s has %s, want %s", ErrDigestMismatch, name, sums[sized[0].Digest.Algorithm()], sized[0].Digest)
}
