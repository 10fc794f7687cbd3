package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGroupUsageRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetGroupUsage(1)
	assert.Error(t, err)

	require.NoError(t, s.SaveGroupUsage(&GroupUsage{Group: 1, UploadedBytes: 4096}))
	require.NoError(t, s.SaveGroupUsage(&GroupUsage{Group: 2, IsFull: true, FullReason: "quota"}))

	u, err := s.GetGroupUsage(1)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), u.UploadedBytes)
	assert.False(t, u.UpdatedAt.IsZero())

	all, err := s.ListGroupUsage()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGroupUsageUpsert(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveGroupUsage(&GroupUsage{Group: 1, UploadedBytes: 100}))
	require.NoError(t, s.SaveGroupUsage(&GroupUsage{Group: 1, UploadedBytes: 250}))

	u, err := s.GetGroupUsage(1)
	require.NoError(t, err)
	assert.Equal(t, int64(250), u.UploadedBytes)
}

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)

	job := &JobRecord{
		ID:            "job-1",
		Slug:          "one-piece",
		State:         "running",
		ChaptersTotal: 12,
		StartedAt:     time.Now(),
	}
	require.NoError(t, s.SaveJob(job))

	job.ChaptersDone = 3
	job.State = "completed"
	require.NoError(t, s.SaveJob(job))

	got, err := s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.State)
	assert.Equal(t, 3, got.ChaptersDone)

	jobs, err := s.ListJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, s.DeleteJob("job-1"))
	_, err = s.GetJob("job-1")
	assert.Error(t, err)
}

func TestPruneJobs(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveJob(&JobRecord{ID: "old", Slug: "a"}))
	require.NoError(t, s.SaveJob(&JobRecord{ID: "fresh", Slug: "b"}))

	// Nothing is older than a cutoff in the past.
	removed, err := s.PruneJobs(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = s.PruneJobs(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	jobs, err := s.ListJobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestResumeTokenRoundTrip(t *testing.T) {
	s := openTestStore(t)

	tok := &ResumeToken{
		Token:             "tok-1",
		Slug:              "berserk",
		CompletedChapters: []string{"chapter-1", "chapter-2"},
		CreatedAt:         time.Now(),
	}
	require.NoError(t, s.SaveResumeToken(tok))

	got, err := s.GetResumeToken("tok-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"chapter-1", "chapter-2"}, got.CompletedChapters)

	require.NoError(t, s.DeleteResumeToken("tok-1"))
	_, err = s.GetResumeToken("tok-1")
	assert.Error(t, err)
}

func TestPruneResumeTokens(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveResumeToken(&ResumeToken{Token: "t1", Slug: "a"}))

	removed, err := s.PruneResumeTokens(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveGroupUsage(&GroupUsage{Group: 2, UploadedBytes: 77}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	u, err := s.GetGroupUsage(2)
	require.NoError(t, err)
	assert.Equal(t, int64(77), u.UploadedBytes)
}
