package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if apiRequestsTotal == nil || crawlPagesTotal == nil || topicsImportedTotal == nil ||
		tasksTotal == nil || tasksRunning == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveTopicsSkipsZero(t *testing.T) {
	Init()
	before := testutil.ToFloat64(topicsImportedTotal.WithLabelValues("new"))
	ObserveTopics("new", 0)
	ObserveTopics("new", 3)
	if got := testutil.ToFloat64(topicsImportedTotal.WithLabelValues("new")) - before; got != 3 {
		t.Errorf("expected 3 new topics, got %f", got)
	}
}

func TestObserveTaskAndGauge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(tasksTotal.WithLabelValues("crawl_all", "completed"))
	ObserveTask("crawl_all", "completed")
	if got := testutil.ToFloat64(tasksTotal.WithLabelValues("crawl_all", "completed")) - before; got != 1 {
		t.Errorf("expected task counter delta 1, got %f", got)
	}

	base := testutil.ToFloat64(tasksRunning)
	IncRunningTasks()
	IncRunningTasks()
	DecRunningTasks()
	if got := testutil.ToFloat64(tasksRunning) - base; got != 1 {
		t.Errorf("expected running gauge delta 1, got %f", got)
	}
}

func TestObserveAPIRequest(t *testing.T) {
	Init()
	before := testutil.ToFloat64(apiRequestsTotal.WithLabelValues("topics", "ok"))
	ObserveAPIRequest("topics", "ok", 120*time.Millisecond)
	ObservePage("range")
	ObserveFile("collect", "ok")
	ObserveRateLimitDelay("default", 2*time.Second)
	if got := testutil.ToFloat64(apiRequestsTotal.WithLabelValues("topics", "ok")) - before; got != 1 {
		t.Errorf("expected api counter delta 1, got %f", got)
	}
	if n := testutil.CollectAndCount(rateLimitDelaysSeconds); n == 0 {
		t.Error("expected rate limit histogram to be observed")
	}
}
