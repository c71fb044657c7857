package actuator

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fixation.watch/internal/timeutil"
)

func newTestSimulator(t *testing.T, cfg SimulatorConfig) (*Simulator, *timeutil.MockClock, *bufio.Reader) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	sim := NewSimulator(cfg, WithSimulatorClock(clock))
	t.Cleanup(func() { sim.Close() })
	return sim, clock, bufio.NewReader(sim)
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\r\n")
}

func send(t *testing.T, sim *Simulator, cmds ...Command) {
	t.Helper()
	b := make([]byte, len(cmds))
	for i, c := range cmds {
		b[i] = byte(c)
	}
	_, err := sim.Write(b)
	require.NoError(t, err)
}

func TestProtocol_WithinThenRequestResults(t *testing.T) {
	t.Parallel()
	sim, _, r := newTestSimulator(t, DefaultSimulatorConfig())

	send(t, sim, CmdStartTest)
	start, err := ParseReport(readLine(t, r))
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, start.TestStatus)
	assert.Equal(t, 100, start.TotalPoints)
	assert.Len(t, start.ClickPattern, 100)

	send(t, sim, CmdOutOfThreshold)
	send(t, sim, CmdWithin, CmdRequestResults)
	line := readLine(t, r)
	assert.Contains(t, line, `"test_status"`)
	got, err := ParseReport(line)
	require.NoError(t, err)
	assert.Equal(t, 1, got.OutOfThresCounter)

	// A within signal on its own never moves the counter.
	send(t, sim, CmdWithin, CmdRequestResults)
	again, err := ParseReport(readLine(t, r))
	require.NoError(t, err)
	assert.Equal(t, got.OutOfThresCounter, again.OutOfThresCounter)
}

func TestProtocol_IdleController(t *testing.T) {
	t.Parallel()
	sim, _, r := newTestSimulator(t, DefaultSimulatorConfig())

	send(t, sim, CmdWithin, CmdRequestResults)
	assert.Equal(t, `{"test_status":"System Ready"}`, readLine(t, r))

	send(t, sim, CmdPing)
	assert.Equal(t, "PONG", readLine(t, r))

	send(t, sim, Command(0x2a))
	assert.Equal(t, "unknown command 0x2a", readLine(t, r))
}

func TestSimulator_CountsTransitionsOnly(t *testing.T) {
	t.Parallel()
	sim, _, r := newTestSimulator(t, DefaultSimulatorConfig())
	send(t, sim, CmdStartTest)
	readLine(t, r)

	send(t, sim, CmdOutOfThreshold, CmdOutOfThreshold, CmdWithin, CmdOutOfThreshold, CmdRequestResults)
	rep, err := ParseReport(readLine(t, r))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.OutOfThresCounter)
}

func TestSimulator_TickToFinish(t *testing.T) {
	t.Parallel()
	cfg := DefaultSimulatorConfig()
	cfg.NumPoints = 3
	cfg.ClickProbability = 1
	cfg.AutoAdvance = false
	sim, _, r := newTestSimulator(t, cfg)

	send(t, sim, CmdStartTest)
	readLine(t, r)
	for i := 0; i < 3; i++ {
		sim.Tick()
	}
	rep, err := ParseReport(readLine(t, r))
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, rep.TestStatus)
	assert.Equal(t, "111", rep.ClickPattern)
	assert.Equal(t, 3, rep.Clicks)

	// Further ticks after the last point are ignored.
	sim.Tick()
	send(t, sim, CmdRequestResults)
	again, err := ParseReport(readLine(t, r))
	require.NoError(t, err)
	assert.Equal(t, 3, again.PointsShown)
}

func TestSimulator_PeriodicReports(t *testing.T) {
	t.Parallel()
	sim, clock, r := newTestSimulator(t, DefaultSimulatorConfig())

	send(t, sim, CmdStartTest)
	first, err := ParseReport(readLine(t, r))
	require.NoError(t, err)
	assert.Equal(t, 0, first.PointsShown)

	// Past the longest gap before the first point.
	clock.Advance(2 * time.Second)
	tick, err := ParseReport(readLine(t, r))
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, tick.TestStatus)
	assert.Equal(t, 1, tick.PointsShown)
}

func TestSimulator_CloseEndsReads(t *testing.T) {
	t.Parallel()
	sim := NewSimulator(DefaultSimulatorConfig(), WithSimulatorClock(timeutil.NewMockClock(time.Now())))
	done := make(chan error, 1)
	go func() {
		_, err := sim.Read(make([]byte, 16))
		done <- err
	}()
	require.NoError(t, sim.Close())
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Read did not return after Close")
	}
	_, err := sim.Write([]byte{byte(CmdPing)})
	assert.Error(t, err)
	assert.NoError(t, sim.Close())
}

func TestParseReport(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		line    string
		want    *Report
		wantErr bool
	}{
		{
			name: "ready",
			line: `{"test_status":"System Ready"}`,
			want: &Report{TestStatus: StatusReady},
		},
		{
			name: "running",
			line: ` {"test_status":"Test Running","points_shown":2,"total_points":4,"clicks":1,"click_pattern":"0100","out_of_thres_counter":3}` + "\r",
			want: &Report{TestStatus: StatusRunning, PointsShown: 2, TotalPoints: 4, Clicks: 1, ClickPattern: "0100", OutOfThresCounter: 3},
		},
		{name: "not json", line: "PONG", wantErr: true},
		{name: "unknown status", line: `{"test_status":"Calibrating"}`, wantErr: true},
		{name: "bad pattern", line: `{"test_status":"Test Running","click_pattern":"01x"}`, wantErr: true},
		{name: "negative points shown", line: `{"test_status":"Test Finished","points_shown":-1,"total_points":3,"clicks":1,"click_pattern":"010"}`, wantErr: true},
		{name: "negative clicks", line: `{"test_status":"Test Running","clicks":-4}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReport(tt.line)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadReport)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseReport() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCommand_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "within-threshold", CmdWithin.String())
	assert.Equal(t, "request-test-results", CmdRequestResults.String())
	assert.Equal(t, "unknown(0x07)", Command(7).String())
	assert.True(t, CmdStartTest.Valid())
	assert.False(t, Command(0).Valid())
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		r    Report
		want Summary
	}{
		{
			name: "pattern",
			r:    Report{TestStatus: StatusFinished, PointsShown: 4, TotalPoints: 4, Clicks: 4, ClickPattern: "1101", OutOfThresCounter: 2},
			want: Summary{TotalPoints: 4, PointsShown: 4, Detected: 3, Missed: 1, FalsePresses: 1, OutOfThreshold: 2, Accuracy: 75},
		},
		{
			name: "no pattern",
			r:    Report{PointsShown: 10, Clicks: 4},
			want: Summary{PointsShown: 10, Detected: 4, Missed: 6, Accuracy: 40},
		},
		{
			name: "nothing shown",
			r:    Report{TestStatus: StatusReady},
			want: Summary{},
		},
		{
			name: "negative counters clamp to zero",
			r:    Report{TestStatus: StatusFinished, PointsShown: -1, TotalPoints: -3, Clicks: 2, ClickPattern: "010", OutOfThresCounter: -2},
			want: Summary{FalsePresses: 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Summarize(tt.r))
		})
	}

	rows := Summarize(tests[0].r).Rows()
	assert.Equal(t, [2]string{"Detection accuracy", "75.0%"}, rows[len(rows)-1])
}
