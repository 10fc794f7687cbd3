package router

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagerelay/pagerelay/pkg/events"
	"github.com/pagerelay/pagerelay/pkg/log"
	"github.com/pagerelay/pagerelay/pkg/rclone"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	m.Run()
}

type fakeSupervisor struct {
	urls map[string]string
}

func (f *fakeSupervisor) IsRunning(remote string) bool {
	_, ok := f.urls[remote]
	return ok
}

func (f *fakeSupervisor) URLOf(remote string) (string, bool) {
	url, ok := f.urls[remote]
	return url, ok
}

func newTestRouter(strategy string, sup Supervisor) *Router {
	specs := []GroupSpec{
		{Number: 1, Primary: "gdrive", Backups: []string{"gdrive-b1", "gdrive-b2"}},
		{Number: 2, Primary: "box", Backups: []string{"box-b1"}, QuotaBytes: 1000},
	}
	return New(specs, strategy, rclone.Options{}, sup)
}

func TestRoundRobinFairness(t *testing.T) {
	r := newTestRouter(RoundRobin, nil)

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		name, client, err := r.NextRemote(1)
		require.NoError(t, err)
		require.NotNil(t, client)
		seen[name]++
	}

	assert.Equal(t, map[string]int{"gdrive": 2, "gdrive-b1": 2, "gdrive-b2": 2}, seen)
}

func TestQuotaExceededRemoteSkipped(t *testing.T) {
	r := newTestRouter(RoundRobin, nil)

	st, ok := r.StatusOf(1, "gdrive-b1")
	require.True(t, ok)
	st.MarkFailure("googleapi: Error 403: quota exceeded", true)

	for i := 0; i < 20; i++ {
		name, _, err := r.NextRemote(1)
		require.NoError(t, err)
		assert.NotEqual(t, "gdrive-b1", name)
	}
}

func TestNextRemoteErrors(t *testing.T) {
	r := newTestRouter(RoundRobin, nil)

	_, _, err := r.NextRemote(9)
	assert.ErrorIs(t, err, ErrUnknownGroup)

	for _, remote := range r.Remotes(1) {
		st, _ := r.StatusOf(1, remote)
		for i := 0; i < 5; i++ {
			st.MarkFailure("connection reset", false)
		}
	}
	_, _, err = r.NextRemote(1)
	assert.ErrorIs(t, err, ErrNoHealthyRemotes)

	for _, remote := range r.Remotes(2) {
		st, _ := r.StatusOf(2, remote)
		for i := 0; i < 5; i++ {
			st.MarkFailure("connection reset", false)
		}
	}
	_, _, err = r.NextRemote(2)
	assert.ErrorIs(t, err, ErrGroupUnavailable)
}

func TestStrategiesReturnAvailableRemote(t *testing.T) {
	for _, strategy := range []string{Weighted, Random, LeastUsed} {
		t.Run(strategy, func(t *testing.T) {
			r := newTestRouter(strategy, nil)
			for i := 0; i < 10; i++ {
				name, _, err := r.NextRemote(1)
				require.NoError(t, err)
				assert.True(t, strings.HasPrefix(name, "gdrive"))
			}
		})
	}
}

func TestLeastUsedPrefersColdRemote(t *testing.T) {
	r := newTestRouter(LeastUsed, nil)

	for _, remote := range []string{"gdrive", "gdrive-b1"} {
		st, _ := r.StatusOf(1, remote)
		st.MarkSuccess()
		st.MarkSuccess()
	}

	name, _, err := r.NextRemote(1)
	require.NoError(t, err)
	assert.Equal(t, "gdrive-b2", name)
}

func TestDaemonURLCache(t *testing.T) {
	sup := &fakeSupervisor{urls: map[string]string{
		"gdrive":    "http://127.0.0.1:8180",
		"gdrive-b1": "http://127.0.0.1:8181",
	}}
	r := newTestRouter(RoundRobin, sup)

	urls := r.ActiveDaemonURLs(1)
	assert.Len(t, urls, 2)

	// New daemons are invisible until the cache expires or is dropped.
	sup.urls["gdrive-b2"] = "http://127.0.0.1:8182"
	assert.Len(t, r.ActiveDaemonURLs(1), 2)

	r.InvalidateDaemonURLs(1)
	assert.Len(t, r.ActiveDaemonURLs(1), 3)
}

func TestNextDaemonURLRoundRobins(t *testing.T) {
	sup := &fakeSupervisor{urls: map[string]string{
		"gdrive":    "http://127.0.0.1:8180",
		"gdrive-b1": "http://127.0.0.1:8181",
	}}
	r := newTestRouter(RoundRobin, sup)

	first, ok := r.NextDaemonURL(1)
	require.True(t, ok)
	second, ok := r.NextDaemonURL(1)
	require.True(t, ok)
	third, ok := r.NextDaemonURL(1)
	require.True(t, ok)

	assert.NotEqual(t, first, second)
	assert.Equal(t, first, third)

	_, ok = r.NextDaemonURL(2)
	assert.False(t, ok)
}

func TestQuotaCeilingMarksGroupFull(t *testing.T) {
	r := newTestRouter(RoundRobin, nil)

	r.RecordUploadBytes(2, 400)
	assert.False(t, r.IsGroupFull(2))

	r.RecordUploadBytes(2, 700)
	assert.True(t, r.IsGroupFull(2))
	assert.Equal(t, int64(1100), r.UploadedBytes(2))

	// Group 1 has no ceiling.
	r.RecordUploadBytes(1, 1<<40)
	assert.False(t, r.IsGroupFull(1))

	r.ResetGroup(2)
	assert.False(t, r.IsGroupFull(2))
	assert.Zero(t, r.UploadedBytes(2))
}

func TestMarkGroupFullIdempotent(t *testing.T) {
	r := newTestRouter(RoundRobin, nil)

	r.MarkGroupFull(2, "quota exceeded on primary")
	first, err := r.Health(2)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	r.MarkGroupFull(2, "second reason")
	second, err := r.Health(2)
	require.NoError(t, err)

	assert.Equal(t, first.FullSince, second.FullSince)
	assert.Equal(t, "quota exceeded on primary", second.FullReason)
}

func TestHealthSnapshot(t *testing.T) {
	sup := &fakeSupervisor{urls: map[string]string{"box": "http://127.0.0.1:8183"}}
	r := newTestRouter(RoundRobin, sup)

	st, _ := r.StatusOf(2, "box")
	st.MarkSuccess()

	gh, err := r.Health(2)
	require.NoError(t, err)

	assert.Equal(t, 2, gh.Group)
	assert.Equal(t, "@2/", gh.Prefix)
	assert.Equal(t, 2, gh.TotalRemotes)
	assert.Equal(t, 2, gh.AvailableRemotes)
	assert.Equal(t, 1, gh.DaemonsRunning)
	require.Len(t, gh.Remotes, 2)
	assert.Equal(t, "primary", gh.Remotes[0].Role)
	assert.Equal(t, "http://127.0.0.1:8183", gh.Remotes[0].DaemonURL)
	assert.Equal(t, "backup", gh.Remotes[1].Role)

	all := r.HealthAll()
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].Group)
	assert.Empty(t, all[0].Prefix)
}

func TestGroupForPath(t *testing.T) {
	r := newTestRouter(RoundRobin, nil)

	assert.Equal(t, 1, r.GroupForPath("manga/one/ch1/001.jpg"))
	assert.Equal(t, 2, r.GroupForPath("@2/manga/one/ch1/001.jpg"))
	assert.Equal(t, 3, r.GroupForPath("@3/manga/one/ch1/001.jpg"))
}

func TestGroupFullEventPublished(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe(events.EventGroupFull)
	defer sub.Close()

	r := newTestRouter(RoundRobin, nil).WithEvents(broker)
	r.MarkGroupFull(2, "quota exceeded on box")

	select {
	case ev := <-sub.C():
		assert.Equal(t, "quota exceeded on box", ev.Message)
		assert.Equal(t, "2", ev.Metadata["group"])
	case <-time.After(time.Second):
		t.Fatal("no group.full event published")
	}

	// A second mark of the same group stays silent.
	r.MarkGroupFull(2, "again")
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event: %s", ev.Message)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQuotaCeilingPublishesGroupFull(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe(events.EventGroupFull)
	defer sub.Close()

	r := newTestRouter(RoundRobin, nil).WithEvents(broker)
	r.RecordUploadBytes(2, 1500)

	select {
	case ev := <-sub.C():
		assert.Equal(t, "2", ev.Metadata["group"])
	case <-time.After(time.Second):
		t.Fatal("no group.full event published")
	}
}
