package health

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func up(context.Context) error   { return nil }
func down(context.Context) error { return errors.New("dial tcp 10.0.0.5:6379: connection refused") }

func TestChecker_CriticalDependencyDown(t *testing.T) {
	checker := NewChecker(nil, time.Second, []Check{RedisCheck(up), GatewayCheck(down)})

	report := checker.Run(context.Background())
	assert.Equal(t, LevelDown, report.Level)
	assert.Equal(t, map[string]string{
		ComponentRedis:   SummaryOK,
		ComponentGateway: SummaryDown,
		ComponentNodeApp: SummaryOK,
	}, Summary(report))

	gw, ok := report.Component(ComponentGateway)
	require.True(t, ok)
	assert.Equal(t, "dial tcp [IP][PORT]: connection refused", gw.Message)
}

func TestChecker_OptionalDependencyDegrades(t *testing.T) {
	checker := NewChecker(nil, time.Second, []Check{RedisCheck(up), GatewayCheck(up), WoTCheck(down), NATSCheck(up)})

	report := checker.Run(context.Background())
	assert.Equal(t, LevelDegraded, report.Level)
	assert.Equal(t, SummaryDown, Summary(report)[ComponentWoT])
	names := make([]string, 0, len(report.Components))
	for _, s := range report.Components {
		names = append(names, s.Component)
	}
	assert.Equal(t, []string{ComponentGateway, ComponentNATS, ComponentNodeApp, ComponentRedis, ComponentWoT}, names)
}

func TestChecker_SlowProbeDegrades(t *testing.T) {
	clock := clockwork.NewFakeClock()
	slow := func(context.Context) error {
		clock.Advance(800 * time.Millisecond)
		return nil
	}
	checker := NewChecker(nil, time.Second, []Check{RedisCheck(slow)}, WithClock(clock))

	report := checker.Run(context.Background())
	assert.Equal(t, LevelDegraded, report.Level)
	redis, _ := report.Component(ComponentRedis)
	assert.Equal(t, LevelDegraded, redis.Level)
	assert.Equal(t, 800*time.Millisecond, redis.Latency)
	assert.Equal(t, SummaryOK, Summary(report)[ComponentRedis], "slow but reachable")
	assert.Equal(t, 800*time.Millisecond, report.Uptime)
}

func TestChecker_ProbeTimeout(t *testing.T) {
	checker := NewChecker(nil, 20*time.Millisecond, []Check{NATSCheck(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})})

	start := time.Now()
	report := checker.Run(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, SummaryDown, Summary(report)[ComponentNATS])
}

func TestChecker_FailureStreak(t *testing.T) {
	failing := true
	probe := func(context.Context) error {
		if failing {
			return errors.New("gateway unreachable")
		}
		return nil
	}
	checker := NewChecker(nil, time.Second, []Check{GatewayCheck(probe)})

	checker.Run(context.Background())
	checker.Run(context.Background())
	gw, ok := checker.Monitor().Last(ComponentGateway)
	require.True(t, ok)
	assert.Equal(t, 2, gw.Failures)

	failing = false
	report := checker.Run(context.Background())
	assert.Equal(t, LevelUp, report.Level)
	gw, _ = report.Component(ComponentGateway)
	assert.Zero(t, gw.Failures)
}

func TestChecker_LogsLevelChange(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	failing := false
	probe := func(context.Context) error {
		if failing {
			return errors.New("no route")
		}
		return nil
	}
	checker := NewChecker(nil, time.Second, []Check{RedisCheck(probe)}, WithLogger(logger))

	checker.Run(context.Background())
	checker.Run(context.Background())
	assert.Empty(t, buf.String())

	failing = true
	checker.Run(context.Background())
	assert.Contains(t, buf.String(), "Dependency health changed")
	assert.Contains(t, buf.String(), "component=Redis")
	assert.Contains(t, buf.String(), "to=down")
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	monitor := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			monitor.Record(Status{Component: ComponentRedis, Level: LevelDown})
		}()
		go func() {
			defer wg.Done()
			_ = monitor.Snapshot()
		}()
	}
	wg.Wait()

	status, ok := monitor.Last(ComponentRedis)
	require.True(t, ok)
	assert.Equal(t, 20, status.Failures)
}
