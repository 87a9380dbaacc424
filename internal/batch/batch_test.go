package batch

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"correo/internal/compose"
	"correo/internal/store"
	"correo/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testTemplate() *types.Template {
	return &types.Template{
		Name: "test",
		Fields: []types.Field{
			{ID: 1, Kind: types.FieldText, Active: true, Text: "Cuenta <<CUENTA>>",
				X: 20, Y: 30, Width: 150, Height: 10,
				Style: types.Style{Font: "Helvetica", Size: 12}},
		},
	}
}

func setupBatch(t *testing.T, nRecords int) (*Orchestrator, *store.Store, string) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.CreateSession(&types.Session{
		ID: "s1", ProjectID: 1, TemplateID: 1, State: types.SessionPending,
	}))
	var records []types.MergedRecord
	for i := 0; i < nRecords; i++ {
		records = append(records, types.MergedRecord{
			SessionID: "s1", ProjectID: 1, Position: i,
			Account: fmt.Sprintf("%03d", 100+i),
			Values:  map[string]string{"CUENTA": fmt.Sprintf("%03d", 100+i)},
			Match:   types.MatchExact, State: types.RecordPending,
		})
	}
	require.NoError(t, s.InsertRecords(records))

	dir := t.TempDir()
	comp := compose.NewComposer(215.9, 340.1, nil, nil)
	o := New(s, comp, 2, func(id string) string { return filepath.Join(dir, id) }, nil)
	return o, s, dir
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name   string
		counts map[types.RecordState]int
		want   types.SessionState
	}{
		{"all completed", map[types.RecordState]int{types.RecordCompleted: 3}, types.SessionCompleted},
		{"still generating", map[types.RecordState]int{types.RecordCompleted: 2, types.RecordGenerating: 1}, types.SessionGenerating},
		{"pending left", map[types.RecordState]int{types.RecordCompleted: 2, types.RecordPending: 1}, types.SessionPending},
		{"completed despite errors", map[types.RecordState]int{types.RecordCompleted: 2, types.RecordError: 1}, types.SessionCompleted},
		{"completed despite cancellations", map[types.RecordState]int{types.RecordCompleted: 1, types.RecordCancelled: 2}, types.SessionCompleted},
		{"all cancelled", map[types.RecordState]int{types.RecordCancelled: 2}, types.SessionCancelled},
		{"cancelled and errors, no completions", map[types.RecordState]int{types.RecordCancelled: 1, types.RecordError: 1}, types.SessionCancelled},
		{"all errors", map[types.RecordState]int{types.RecordError: 3}, types.SessionError},
		{"empty", map[types.RecordState]int{}, types.SessionPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.counts))
		})
	}
}

func TestRecordFilename(t *testing.T) {
	tests := []struct {
		rec  types.MergedRecord
		want string
	}{
		{types.MergedRecord{Account: "100", Position: 0}, "100_1.pdf"},
		{types.MergedRecord{Account: "A/B..100", Position: 2}, "AB100_3.pdf"},
		{types.MergedRecord{Code: "C9", Position: 1}, "C9_2.pdf"},
		{types.MergedRecord{Position: 4}, "registro_5.pdf"},
	}
	for _, tt := range tests {
		if got := RecordFilename(&tt.rec); got != tt.want {
			t.Errorf("RecordFilename(%+v) = %q, want %q", tt.rec, got, tt.want)
		}
	}
}

func TestBatchRunToCompletion(t *testing.T) {
	o, s, dir := setupBatch(t, 3)

	require.True(t, o.Start("s1", testTemplate()))
	o.Wait("s1")

	sess, err := s.Session("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, sess.State)

	counts, _ := s.CountsByState("s1")
	assert.Equal(t, 3, counts[types.RecordCompleted])

	recs, _ := s.RecordsBySession("s1")
	for _, r := range recs {
		assert.NotEmpty(t, r.ArtifactPath, "record %d", r.Position)
		assert.NotEmpty(t, r.ArtifactHash, "record %d", r.Position)
		_, err := os.Stat(r.ArtifactPath)
		assert.NoError(t, err)
	}

	// Archive contains every document plus the manifest.
	assert.NotEmpty(t, sess.ArchivePath)
	zr, err := zip.OpenReader(sess.ArchivePath)
	require.NoError(t, err)
	defer zr.Close()
	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["manifest.txt"])
	assert.True(t, names["100_1.pdf"])
	assert.True(t, names["102_3.pdf"])

	_ = dir
}

func TestBatchStartIsIdempotentWhileRunning(t *testing.T) {
	o, _, _ := setupBatch(t, 2)

	require.True(t, o.Start("s1", testTemplate()))
	// A second start while (possibly still) running must not spawn a
	// second batch; after completion the records are terminal anyway.
	o.Start("s1", testTemplate())
	o.Wait("s1")
	o.Wait("s1") // waiting twice is harmless
}

func TestCancelIdleSession(t *testing.T) {
	o, s, _ := setupBatch(t, 2)

	require.NoError(t, o.Cancel("s1"))

	sess, _ := s.Session("s1")
	assert.Equal(t, types.SessionCancelled, sess.State)
	counts, _ := s.CountsByState("s1")
	assert.Equal(t, 2, counts[types.RecordCancelled])
}

func TestRerunAfterCancellationDoesNothing(t *testing.T) {
	o, s, _ := setupBatch(t, 2)
	require.NoError(t, o.Cancel("s1"))

	require.True(t, o.Start("s1", testTemplate()))
	o.Wait("s1")

	// Cancelled records are terminal; the rerun leaves them alone and
	// the session settles back to cancelled.
	counts, _ := s.CountsByState("s1")
	assert.Equal(t, 2, counts[types.RecordCancelled])
	sess, _ := s.Session("s1")
	assert.Equal(t, types.SessionCancelled, sess.State)
}

func TestBatchPartialFailureStillCompletes(t *testing.T) {
	o, s, _ := setupBatch(t, 3)

	// One record already failed in an earlier phase; the other two
	// render fine. The batch completes and its archive is built: the
	// failure stays on the record, it does not fail the run.
	recs, _ := s.RecordsBySession("s1")
	require.NoError(t, s.UpdateRecordState(recs[1].ID, types.RecordError, "enrichment failed"))

	require.True(t, o.Start("s1", testTemplate()))
	o.Wait("s1")

	sess, err := s.Session("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, sess.State)

	counts, _ := s.CountsByState("s1")
	assert.Equal(t, 2, counts[types.RecordCompleted])
	assert.Equal(t, 1, counts[types.RecordError])

	require.NotEmpty(t, sess.ArchivePath)
	zr, err := zip.OpenReader(sess.ArchivePath)
	require.NoError(t, err)
	defer zr.Close()
	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["manifest.txt"])
	assert.True(t, names["100_1.pdf"])
	assert.True(t, names["102_3.pdf"])
	assert.False(t, names["101_2.pdf"], "failed record has no document")
}

func TestArchiveFailureKeepsCompletedState(t *testing.T) {
	o, s, _ := setupBatch(t, 1)

	// Mark the record completed with an artifact that is not on disk:
	// rendering is skipped (terminal) and packaging fails. The session
	// must stay completed, only the archive is missing.
	recs, _ := s.RecordsBySession("s1")
	require.NoError(t, s.SetRecordArtifact(recs[0].ID, filepath.Join(t.TempDir(), "gone.pdf"), "h"))

	require.True(t, o.Start("s1", testTemplate()))
	o.Wait("s1")

	sess, err := s.Session("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, sess.State)
	assert.Empty(t, sess.ArchivePath)

	counts, _ := s.CountsByState("s1")
	assert.Equal(t, 1, counts[types.RecordCompleted])
}

func TestBatchErrorRecord(t *testing.T) {
	o, s, _ := setupBatch(t, 1)

	// A template with a missing base document makes every render fail.
	bad := &types.Template{
		Name:     "bad",
		BasePath: filepath.Join(t.TempDir(), "missing.pdf"),
		Fields:   testTemplate().Fields,
	}
	require.True(t, o.Start("s1", bad))
	o.Wait("s1")

	sess, _ := s.Session("s1")
	assert.Equal(t, types.SessionError, sess.State)
	recs, _ := s.RecordsBySession("s1")
	require.Len(t, recs, 1)
	assert.Equal(t, types.RecordError, recs[0].State)
	assert.NotEmpty(t, recs[0].ErrorMessage)
	assert.Empty(t, sess.ArchivePath, "no archive when nothing completed")
}
