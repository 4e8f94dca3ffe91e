package iteration

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/al-controller/internal/alerr"
	"github.com/danielpatrickdp/al-controller/internal/artifact"
	"github.com/danielpatrickdp/al-controller/internal/indexset"
)

// #region store-struct

// Store owns the on-disk iteration sequence under a content root.
//
// The ledger (iteration_structure.json) is authoritative: an iteration is
// readable only while its ledger entry exists. Directories without an entry
// are orphans left by an interrupted truncation or creation; Open sweeps
// them and CreateNextIteration reclaims one occupying its slot.
type Store struct {
	root     string
	modelDir string
	logger   *slog.Logger

	mu     sync.RWMutex
	ledger []Entry
}

// #endregion store-struct

// #region constructor

// Open prepares the workspace at root and loads the ledger.
func Open(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		root:     root,
		modelDir: filepath.Join(root, modelDirName),
		logger:   logger.With(slog.String("component", "iteration_store")),
	}
	if err := os.MkdirAll(s.modelDir, 0o755); err != nil {
		return nil, fmt.Errorf("create model dir %s: %w", s.modelDir, err)
	}
	if err := s.loadLedger(); err != nil {
		return nil, err
	}
	if err := s.sweep(); err != nil {
		return nil, err
	}
	return s, nil
}

// #endregion constructor

// #region paths

// Root returns the content root.
func (s *Store) Root() string { return s.root }

// Dir returns the artifact directory of an iteration.
func (s *Store) Dir(iter int) string {
	return filepath.Join(s.modelDir, iterPrefix+strconv.Itoa(iter))
}

func (s *Store) ledgerPath() string { return filepath.Join(s.root, LedgerFile) }

// #endregion paths

// #region ledger

func (s *Store) loadLedger() error {
	var entries []Entry
	err := artifact.ReadJSON(s.ledgerPath(), &entries)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		entries, err = s.adoptDirectories()
		if err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("read ledger: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Value < entries[j].Value })
	for i, e := range entries {
		if e.Value != i {
			return alerr.New(alerr.ErrConfiguration, "load ledger", e.Value,
				"ledger is not gapless from 0: position %d holds iteration %d", i, e.Value)
		}
	}
	s.ledger = entries
	return nil
}

// adoptDirectories builds a ledger for a workspace written before the
// ledger existed: contiguous Iteration_0..k directories holding an index.
func (s *Store) adoptDirectories() ([]Entry, error) {
	var entries []Entry
	for k := 0; ; k++ {
		info, err := os.Stat(filepath.Join(s.Dir(k), IndexFile))
		if err != nil {
			break
		}
		labeled, err := readIndex(filepath.Join(s.Dir(k), IndexFile))
		if err != nil {
			return nil, err
		}
		entries = append(entries, newEntry(k, labeled.Len(), "", info.ModTime().UTC()))
	}
	if len(entries) > 0 {
		s.logger.Info("adopted legacy iteration directories", slog.Int("count", len(entries)))
		if err := artifact.WriteJSON(s.ledgerPath(), entries); err != nil {
			return nil, fmt.Errorf("write ledger: %w", err)
		}
	}
	return entries, nil
}

func newEntry(iter, labeled int, digest string, created time.Time) Entry {
	return Entry{
		Value:     iter,
		Name:      fmt.Sprintf("Iteration %d", iter),
		Parent:    iter - 1,
		Labeled:   labeled,
		Digest:    digest,
		RunID:     uuid.New().String(),
		CreatedAt: created,
	}
}

// sweep removes staging and tombstone directories and any Iteration_k the
// ledger does not list.
func (s *Store) sweep() error {
	dirents, err := os.ReadDir(s.modelDir)
	if err != nil {
		return fmt.Errorf("list model dir: %w", err)
	}
	for _, d := range dirents {
		name := d.Name()
		orphan := strings.HasPrefix(name, stagingPrefix) || strings.HasPrefix(name, trashPrefix)
		if k, ok := parseIterDir(name); ok && !s.listed(k) {
			orphan = true
		}
		if !orphan {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.modelDir, name)); err != nil {
			return fmt.Errorf("remove orphan %s: %w", name, err)
		}
		s.logger.Warn("removed orphaned iteration artifacts", slog.String("dir", name))
	}
	return nil
}

func parseIterDir(name string) (int, bool) {
	if !strings.HasPrefix(name, iterPrefix) {
		return 0, false
	}
	k, err := strconv.Atoi(strings.TrimPrefix(name, iterPrefix))
	if err != nil || k < 0 {
		return 0, false
	}
	return k, true
}

func (s *Store) listed(iter int) bool {
	return iter >= 0 && iter < len(s.ledger)
}

// List returns a copy of the ledger, ascending.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.ledger...)
}

// #endregion ledger

// #region current-max

// CurrentMaxIteration returns the highest existing iteration id. ok is false
// when the workspace holds no iterations.
func (s *Store) CurrentMaxIteration() (iter int, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ledger) == 0 {
		return -1, false
	}
	return len(s.ledger) - 1, true
}

// #endregion current-max

// #region load

func (s *Store) requireListed(stage string, iter int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.listed(iter) {
		return alerr.New(alerr.ErrNotFound, stage, iter, "iteration does not exist")
	}
	return nil
}

// LoadLabeledIndices reads the labeled set of an iteration.
func (s *Store) LoadLabeledIndices(iter int) (indexset.Set, error) {
	if err := s.requireListed("load labeled indices", iter); err != nil {
		return nil, err
	}
	set, err := readIndex(filepath.Join(s.Dir(iter), IndexFile))
	if err != nil {
		return nil, alerr.Wrap(kindFor(err), "load labeled indices", iter, err)
	}
	return set, nil
}

func readIndex(path string) (indexset.Set, error) {
	var ids []int
	if err := artifact.ReadJSON(path, &ids); err != nil {
		return nil, err
	}
	return indexset.New(ids...), nil
}

// LoadHumanSelection reads the batch most recently presented to the human.
func (s *Store) LoadHumanSelection(iter int) ([]int, error) {
	if err := s.requireListed("load human selection", iter); err != nil {
		return nil, err
	}
	var ids []int
	if err := artifact.ReadJSON(filepath.Join(s.Dir(iter), HumanSelectFile), &ids); err != nil {
		return nil, alerr.Wrap(kindFor(err), "load human selection", iter, err)
	}
	return ids, nil
}

// LoadAcceptReject reads the accept/reject record of an iteration.
func (s *Store) LoadAcceptReject(iter int) (AcceptReject, error) {
	if err := s.requireListed("load accept/reject", iter); err != nil {
		return AcceptReject{}, err
	}
	var ar AcceptReject
	if err := artifact.ReadJSON(filepath.Join(s.Dir(iter), AcceptRejectFile), &ar); err != nil {
		return AcceptReject{}, alerr.Wrap(kindFor(err), "load accept/reject", iter, err)
	}
	return ar, nil
}

// LoadCheckpoint returns the checkpoint handle of an iteration.
func (s *Store) LoadCheckpoint(iter int) (Checkpoint, error) {
	if err := s.requireListed("load checkpoint", iter); err != nil {
		return Checkpoint{}, err
	}
	path := filepath.Join(s.Dir(iter), CheckpointFile)
	if _, err := os.Stat(path); err != nil {
		return Checkpoint{}, alerr.Wrap(kindFor(err), "load checkpoint", iter, err)
	}
	return Checkpoint{Path: path}, nil
}

// SeenIndices returns labeled(iter) plus every accepted and rejected id
// recorded at iterations up to and including iter.
func (s *Store) SeenIndices(iter int) (indexset.Set, error) {
	seen, err := s.LoadLabeledIndices(iter)
	if err != nil {
		return nil, err
	}
	for k := 0; k <= iter; k++ {
		ar, err := s.LoadAcceptReject(k)
		if errors.Is(err, alerr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		seen.Add(ar.Accepted...)
		seen.Add(ar.Rejected...)
	}
	return seen, nil
}

func kindFor(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return alerr.ErrNotFound
	}
	return alerr.ErrConfiguration
}

// #endregion load

// #region record

// RecordHumanSelection persists the ordered batch presented to the human,
// replacing any earlier record for the iteration.
func (s *Store) RecordHumanSelection(iter int, indices []int) error {
	if err := s.requireListed("record human selection", iter); err != nil {
		return err
	}
	if err := validateIDs("record human selection", iter, indices); err != nil {
		return err
	}
	if indices == nil {
		indices = []int{}
	}
	if err := artifact.WriteJSON(filepath.Join(s.Dir(iter), HumanSelectFile), indices); err != nil {
		return fmt.Errorf("write human selection: %w", err)
	}
	s.logger.Debug("recorded human selection", slog.Int("iteration", iter), slog.Int("count", len(indices)))
	return nil
}

// RecordAcceptReject persists the human's accept/reject split. The two sets
// must be disjoint.
func (s *Store) RecordAcceptReject(iter int, accepted, rejected []int) error {
	if err := s.requireListed("record accept/reject", iter); err != nil {
		return err
	}
	if err := validateIDs("record accept/reject", iter, accepted); err != nil {
		return err
	}
	if err := validateIDs("record accept/reject", iter, rejected); err != nil {
		return err
	}
	acc, rej := indexset.New(accepted...), indexset.New(rejected...)
	if both := indexset.Intersection(acc, rej); len(both) > 0 {
		return alerr.New(alerr.ErrInvalidArgument, "record accept/reject", iter,
			"accepted and rejected overlap on %v", both)
	}
	ar := AcceptReject{Accepted: acc.Sorted(), Rejected: rej.Sorted()}
	if err := artifact.WriteJSON(filepath.Join(s.Dir(iter), AcceptRejectFile), ar); err != nil {
		return fmt.Errorf("write accept/reject: %w", err)
	}
	s.logger.Info("recorded accept/reject",
		slog.Int("iteration", iter),
		slog.Int("accepted", len(ar.Accepted)),
		slog.Int("rejected", len(ar.Rejected)))
	return nil
}

func validateIDs(stage string, iter int, ids []int) error {
	for _, id := range ids {
		if id < 0 {
			return alerr.New(alerr.ErrInvalidArgument, stage, iter, "negative example id %d", id)
		}
	}
	return nil
}

// #endregion record

// #region create-next

// CreateNextIteration allocates CurrentMaxIteration()+1 and persists its
// labeled set and checkpoint. The iteration becomes visible only after both
// are in place: files are staged in a hidden directory, renamed into the
// iteration slot, and then the ledger entry is written.
//
// The labeled set must contain the previous iteration's labeled set.
func (s *Store) CreateNextIteration(labeled indexset.Set, ckpt Checkpoint) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := len(s.ledger)
	if next > 0 {
		prev, err := readIndex(filepath.Join(s.Dir(next-1), IndexFile))
		if err != nil {
			return 0, alerr.Wrap(kindFor(err), "create iteration", next, err)
		}
		if !labeled.SupersetOf(prev) {
			return 0, alerr.New(alerr.ErrInvalidArgument, "create iteration", next,
				"labeled set drops ids labeled at iteration %d", next-1)
		}
	}

	staging, err := os.MkdirTemp(s.modelDir, stagingPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("create staging dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()

	if err := artifact.WriteJSON(filepath.Join(staging, IndexFile), labeled.Sorted()); err != nil {
		return 0, fmt.Errorf("write index: %w", err)
	}
	var digest string
	if ckpt.Path != "" {
		digest, err = s.placeCheckpoint(ckpt.Path, filepath.Join(staging, CheckpointFile))
		if err != nil {
			return 0, fmt.Errorf("place checkpoint: %w", err)
		}
	}

	target := s.Dir(next)
	if _, err := os.Stat(target); err == nil {
		s.logger.Warn("reclaiming orphaned iteration slot", slog.Int("iteration", next))
		if err := os.RemoveAll(target); err != nil {
			return 0, fmt.Errorf("reclaim %s: %w", target, err)
		}
	}
	if err := os.Rename(staging, target); err != nil {
		return 0, fmt.Errorf("publish iteration %d: %w", next, err)
	}

	ledger := append(append([]Entry(nil), s.ledger...), newEntry(next, labeled.Len(), digest, time.Now().UTC()))
	if err := artifact.WriteJSON(s.ledgerPath(), ledger); err != nil {
		os.RemoveAll(target)
		return 0, fmt.Errorf("write ledger: %w", err)
	}
	committed = true
	s.ledger = ledger

	s.logger.Info("created iteration",
		slog.Int("iteration", next),
		slog.Int("labeled", labeled.Len()),
		slog.String("checkpoint_sha256", digest))
	return next, nil
}

// placeCheckpoint puts the trainer's checkpoint at dst and returns the
// sha256 of the content. A checkpoint under the model directory belongs to
// an existing iteration and is copied; anything else is moved.
func (s *Store) placeCheckpoint(src, dst string) (string, error) {
	if s.owns(src) {
		if err := copyFile(src, dst); err != nil {
			return "", err
		}
		return fileDigest(dst)
	}
	return moveCheckpoint(src, dst)
}

// owns reports whether path resolves inside the model directory.
func (s *Store) owns(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	base, err := filepath.Abs(s.modelDir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// moveCheckpoint renames src to dst, falling back to a copy when they live
// on different filesystems.
func moveCheckpoint(src, dst string) (string, error) {
	if err := os.Rename(src, dst); err != nil {
		if err := copyFile(src, dst); err != nil {
			return "", err
		}
	}
	return fileDigest(dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// #endregion create-next

// #region truncate

// TruncateFrom deletes every iteration with id >= iter. It is a no-op when
// iter is past the last iteration and an error when iter skips beyond
// CurrentMaxIteration()+1.
//
// The ledger is rewritten first, so an interrupted truncation leaves only
// unlisted directories behind, never a readable iteration >= iter.
func (s *Store) TruncateFrom(iter int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := len(s.ledger) - 1
	if iter < 0 || iter > last+1 {
		return alerr.New(alerr.ErrInvalidArgument, "truncate", iter,
			"target must be within [0, %d]", last+1)
	}
	if iter > last {
		return nil
	}

	kept := append([]Entry(nil), s.ledger[:iter]...)
	if err := artifact.WriteJSON(s.ledgerPath(), kept); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	s.ledger = kept

	var errs []error
	for k := iter; k <= last; k++ {
		dir := s.Dir(k)
		tomb := filepath.Join(s.modelDir, fmt.Sprintf("%s%d-%s", trashPrefix, k, uuid.NewString()))
		if err := os.Rename(dir, tomb); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, fmt.Errorf("tombstone iteration %d: %w", k, err))
			}
			continue
		}
		if err := os.RemoveAll(tomb); err != nil {
			errs = append(errs, fmt.Errorf("remove iteration %d: %w", k, err))
		}
	}

	s.logger.Info("truncated iterations", slog.Int("from", iter), slog.Int("through", last))
	return errors.Join(errs...)
}

// #endregion truncate
