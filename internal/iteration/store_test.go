package iteration

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/al-controller/internal/alerr"
	"github.com/danielpatrickdp/al-controller/internal/indexset"
)

// #region helpers

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), quietLogger())
	require.NoError(t, err)
	return s
}

func writeCheckpoint(t *testing.T, content string) Checkpoint {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subject_model.pth")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return Checkpoint{Path: path}
}

func mustCreate(t *testing.T, s *Store, ids ...int) int {
	t.Helper()
	k, err := s.CreateNextIteration(indexset.New(ids...), writeCheckpoint(t, "weights"))
	require.NoError(t, err)
	return k
}

// #endregion helpers

// #region create-tests

func TestEmptyStore(t *testing.T) {
	s := tempStore(t)
	iter, ok := s.CurrentMaxIteration()
	assert.False(t, ok)
	assert.Equal(t, -1, iter)

	_, err := s.LoadLabeledIndices(0)
	assert.ErrorIs(t, err, alerr.ErrNotFound)
}

func TestCreateNextIteration_Sequential(t *testing.T) {
	s := tempStore(t)

	assert.Equal(t, 0, mustCreate(t, s, 1, 2, 3))
	assert.Equal(t, 1, mustCreate(t, s, 1, 2, 3, 4, 5))

	iter, ok := s.CurrentMaxIteration()
	require.True(t, ok)
	assert.Equal(t, 1, iter)

	labeled, err := s.LoadLabeledIndices(1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, labeled.Sorted())

	ckpt, err := s.LoadCheckpoint(1)
	require.NoError(t, err)
	data, err := os.ReadFile(ckpt.Path)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	entries := s.List()
	require.Len(t, entries, 2)
	assert.Equal(t, 5, entries[1].Labeled)
	assert.NotEmpty(t, entries[1].Digest)
	assert.Equal(t, 0, entries[1].Parent)
}

func TestCreateNextIteration_RejectsShrinkingLabeledSet(t *testing.T) {
	s := tempStore(t)
	mustCreate(t, s, 1, 2, 3)

	_, err := s.CreateNextIteration(indexset.New(1, 2), Checkpoint{})
	assert.ErrorIs(t, err, alerr.ErrInvalidArgument)

	iter, _ := s.CurrentMaxIteration()
	assert.Equal(t, 0, iter)
}

func TestCreateNextIteration_MissingCheckpointLeavesNothing(t *testing.T) {
	s := tempStore(t)
	_, err := s.CreateNextIteration(indexset.New(1), Checkpoint{Path: filepath.Join(t.TempDir(), "gone.pth")})
	require.Error(t, err)

	_, ok := s.CurrentMaxIteration()
	assert.False(t, ok)
	entries, err := os.ReadDir(filepath.Join(s.Root(), modelDirName))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateNextIteration_ReusedCheckpointKeepsOlderIteration(t *testing.T) {
	s := tempStore(t)
	mustCreate(t, s, 1, 2)

	base, err := s.LoadCheckpoint(0)
	require.NoError(t, err)
	_, err = s.CreateNextIteration(indexset.New(1, 2, 3), base)
	require.NoError(t, err)

	for _, k := range []int{0, 1} {
		ckpt, err := s.LoadCheckpoint(k)
		require.NoError(t, err, "iteration %d", k)
		data, err := os.ReadFile(ckpt.Path)
		require.NoError(t, err)
		assert.Equal(t, "weights", string(data))
	}
	entries := s.List()
	assert.Equal(t, entries[0].Digest, entries[1].Digest)
}

func TestCreateNextIteration_ExternalCheckpointIsMoved(t *testing.T) {
	s := tempStore(t)
	ckpt := writeCheckpoint(t, "weights")
	_, err := s.CreateNextIteration(indexset.New(1), ckpt)
	require.NoError(t, err)

	_, err = os.Stat(ckpt.Path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// #endregion create-tests

// #region record-tests

func TestRecordHumanSelection_Overwrites(t *testing.T) {
	s := tempStore(t)
	mustCreate(t, s, 0)

	require.NoError(t, s.RecordHumanSelection(0, []int{9, 4, 7}))
	require.NoError(t, s.RecordHumanSelection(0, []int{5, 6}))

	got, err := s.LoadHumanSelection(0)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6}, got)
}

func TestRecordHumanSelection_UnknownIteration(t *testing.T) {
	s := tempStore(t)
	err := s.RecordHumanSelection(3, []int{1})
	assert.ErrorIs(t, err, alerr.ErrNotFound)
}

func TestRecordAcceptReject_Overlap(t *testing.T) {
	s := tempStore(t)
	mustCreate(t, s, 0)

	err := s.RecordAcceptReject(0, []int{1, 2}, []int{2, 3})
	assert.ErrorIs(t, err, alerr.ErrInvalidArgument)

	_, err = s.LoadAcceptReject(0)
	assert.ErrorIs(t, err, alerr.ErrNotFound)
}

func TestSeenIndices(t *testing.T) {
	s := tempStore(t)
	mustCreate(t, s, 1, 2, 3)
	require.NoError(t, s.RecordAcceptReject(0, []int{4}, []int{5}))
	mustCreate(t, s, 1, 2, 3, 4)
	require.NoError(t, s.RecordAcceptReject(1, []int{6}, []int{7}))

	seen, err := s.SeenIndices(1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, seen.Sorted())
}

// #endregion record-tests

// #region truncate-tests

func TestTruncateFrom_DropsTargetAndLater(t *testing.T) {
	s := tempStore(t)
	mustCreate(t, s, 1)
	mustCreate(t, s, 1, 2)

	require.NoError(t, s.TruncateFrom(1))
	iter, ok := s.CurrentMaxIteration()
	require.True(t, ok)
	assert.Equal(t, 0, iter)
	_, err := s.LoadLabeledIndices(0)
	assert.NoError(t, err)
	_, err = s.LoadLabeledIndices(1)
	assert.ErrorIs(t, err, alerr.ErrNotFound)
	assert.NoDirExists(t, s.Dir(1))

	require.NoError(t, s.TruncateFrom(0))
	_, ok = s.CurrentMaxIteration()
	assert.False(t, ok)
	_, err = s.LoadLabeledIndices(0)
	assert.ErrorIs(t, err, alerr.ErrNotFound)
}

func TestTruncateFrom_LeavesMaxAtTargetMinusOne(t *testing.T) {
	for target := 0; target <= 4; target++ {
		s := tempStore(t)
		ids := []int{}
		for k := 0; k < 4; k++ {
			ids = append(ids, k)
			mustCreate(t, s, ids...)
		}
		require.NoError(t, s.TruncateFrom(target))

		iter, ok := s.CurrentMaxIteration()
		if target == 0 {
			assert.False(t, ok)
		} else {
			assert.Equal(t, min(target-1, 3), iter)
		}
		for k := target; k < 4; k++ {
			_, err := s.LoadLabeledIndices(k)
			assert.ErrorIs(t, err, alerr.ErrNotFound, "iteration %d after truncate(%d)", k, target)
		}
	}
}

func TestTruncateFrom_Preconditions(t *testing.T) {
	s := tempStore(t)
	mustCreate(t, s, 1)

	assert.NoError(t, s.TruncateFrom(1), "max+1 is a no-op")
	assert.ErrorIs(t, s.TruncateFrom(5), alerr.ErrInvalidArgument)
	assert.ErrorIs(t, s.TruncateFrom(-1), alerr.ErrInvalidArgument)

	iter, _ := s.CurrentMaxIteration()
	assert.Equal(t, 0, iter)
}

func TestTruncateThenCreateReusesSlot(t *testing.T) {
	s := tempStore(t)
	mustCreate(t, s, 1)
	mustCreate(t, s, 1, 2)
	require.NoError(t, s.TruncateFrom(1))

	assert.Equal(t, 1, mustCreate(t, s, 1, 3))
	labeled, err := s.LoadLabeledIndices(1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, labeled.Sorted())
}

// #endregion truncate-tests

// #region recovery-tests

func TestOpen_SweepsUnlistedDirectories(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, quietLogger())
	require.NoError(t, err)
	mustCreate(t, s, 1)

	// Simulate a crash after the ledger was rewritten but before deletion.
	orphan := s.Dir(1)
	require.NoError(t, os.MkdirAll(orphan, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(orphan, IndexFile), []byte("[1,2]"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, modelDirName, ".trash-3-x"), 0o755))

	reopened, err := Open(root, quietLogger())
	require.NoError(t, err)
	iter, _ := reopened.CurrentMaxIteration()
	assert.Equal(t, 0, iter)
	assert.NoDirExists(t, orphan)
	assert.NoDirExists(t, filepath.Join(root, modelDirName, ".trash-3-x"))
}

func TestOpen_AdoptsLegacyDirectories(t *testing.T) {
	root := t.TempDir()
	for k, body := range []string{"[1,2]", "[1,2,3]"} {
		dir := filepath.Join(root, modelDirName, iterPrefix+string(rune('0'+k)))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFile), []byte(body), 0o644))
	}

	s, err := Open(root, quietLogger())
	require.NoError(t, err)
	iter, ok := s.CurrentMaxIteration()
	require.True(t, ok)
	assert.Equal(t, 1, iter)
	assert.FileExists(t, filepath.Join(root, LedgerFile))
}

func TestOpen_RejectsGappedLedger(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, LedgerFile), []byte(`[{"value":0},{"value":2}]`), 0o644))

	_, err := Open(root, quietLogger())
	assert.ErrorIs(t, err, alerr.ErrConfiguration)
}

// #endregion recovery-tests
