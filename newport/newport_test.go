package newport

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/delayscan/scan"
)

// fakeController answers the subset of the DL command set the driver uses
type fakeController struct {
	mu     sync.Mutex
	in     bytes.Buffer
	out    bytes.Buffer
	sent   []string
	pos    float64
	vel    float64
	errs   []string
	silent map[string]bool
	// delay holds back the reply to a telegram, as the controller does for
	// motion done while a move is in progress
	delay map[string]time.Duration
}

func (f *fakeController) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.in.Write(b)
	for {
		line, err := f.in.ReadString('\n')
		if err != nil {
			// keep the partial telegram for the next write
			f.in.WriteString(line)
			break
		}
		f.handle(strings.TrimRight(line, "\r\n"))
	}
	return len(b), nil
}

func (f *fakeController) handle(tele string) {
	f.sent = append(f.sent, tele)
	reply := func(s string) { f.out.WriteString(s + "\r\n") }
	if d, ok := f.delay[tele]; ok {
		reply = func(s string) {
			time.AfterFunc(d, func() {
				f.mu.Lock()
				defer f.mu.Unlock()
				f.out.WriteString(s + "\r\n")
			})
		}
	}
	switch {
	case f.silent[tele]:
	case tele == "1TP?":
		reply("1TP" + strconv.FormatFloat(f.pos, 'f', -1, 64))
	case tele == "1TV?":
		reply(strconv.FormatFloat(f.vel, 'f', -1, 64))
	case tele == "1MD?":
		reply("1")
	case tele == "TB?":
		if len(f.errs) == 0 {
			reply("0, 0, NO ERROR DETECTED")
			return
		}
		reply(f.errs[0])
		f.errs = f.errs[1:]
	case strings.HasPrefix(tele, "1PA"):
		f.pos, _ = strconv.ParseFloat(tele[3:], 64)
	case strings.HasPrefix(tele, "1VA"):
		f.vel, _ = strconv.ParseFloat(tele[3:], 64)
	}
}

func (f *fakeController) Read(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.out.Len() == 0 {
		return 0, io.EOF
	}
	return f.out.Read(b)
}

func (f *fakeController) Close() error { return nil }

func (f *fakeController) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newFakeDL225(t *testing.T) (*DL225, *fakeController) {
	fake := &fakeController{silent: map[string]bool{}, delay: map[string]time.Duration{}}
	d := NewDL225WithMaker(func() (io.ReadWriteCloser, error) { return fake, nil }, nil)
	d.ReadWindow = 30 * time.Millisecond
	d.PollInterval = time.Millisecond
	d.DrainWindow = 2 * time.Millisecond
	t.Cleanup(func() { d.Close() })
	return d, fake
}

func TestMakeTelegram(t *testing.T) {
	cases := []struct {
		alias string
		write bool
		data  float64
		want  string
	}{
		{"move-abs", true, 150.3, "1PA150.3"},
		{"move-abs", true, 150, "1PA150"},
		{"set-velocity", true, 0.02, "1VA0.02"},
		{"set-accel", true, 100, "1AC100"},
		{"get-position", false, 0, "1TP?"},
		{"motor-on", false, 0, "1MO"},
		{"wait-stop", false, 0, "1WS"},
		{"err-msg", false, 0, "TB?"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, makeTelegram(mustCommand(c.alias), "1", c.write, c.data), c.alias)
	}
}

func TestCommandLookupByCmdOrAlias(t *testing.T) {
	c, err := commandFromCmdOrAlias("PA")
	require.NoError(t, err)
	assert.Equal(t, "move-abs", c.Alias)
	_, err = commandFromCmdOrAlias("XX")
	assert.EqualError(t, err, "command XX not found")
}

func TestParseReply(t *testing.T) {
	c := mustCommand("get-position")
	assert.Equal(t, "150.3", parseReply(c, "1", "1TP150.3"))
	assert.Equal(t, "150.3", parseReply(c, "1", " 150.3 "))
}

func TestDecodeError(t *testing.T) {
	code, msg, err := decodeError("104, 1234, POSITIVE HARDWARE LIMIT REACHED")
	require.NoError(t, err)
	assert.Equal(t, 104, code)
	assert.Equal(t, "AXIS 1 POSITIVE HARDWARE LIMIT REACHED", msg)

	code, msg, err = decodeError("7, 99, x")
	require.NoError(t, err)
	assert.Equal(t, 7, code)
	assert.Equal(t, "PARAMETER OUT OF RANGE", msg)

	_, _, err = decodeError("abc")
	assert.Error(t, err)
}

func TestMoveToWaitsForStop(t *testing.T) {
	d, fake := newFakeDL225(t)
	require.NoError(t, d.MoveTo(150.3))
	assert.Equal(t, []string{"1PA150.3", "1WS", "1MD?"}, fake.commands())
	pos, err := d.GetPos("1")
	require.NoError(t, err)
	assert.Equal(t, 150.3, pos)
}

func TestInitializeSequence(t *testing.T) {
	d, fake := newFakeDL225(t)
	require.NoError(t, d.Initialize(100, 0.02))
	assert.Equal(t, []string{"1AC100", "1VA0.02", "1MO"}, fake.commands())
	v, err := d.GetVelocity("1")
	require.NoError(t, err)
	assert.Equal(t, 0.02, v)
}

func TestSilentQueryIsTimeout(t *testing.T) {
	d, fake := newFakeDL225(t)
	fake.silent["1TP?"] = true
	_, err := d.GetPos("1")
	require.Error(t, err)
	assert.ErrorIs(t, err, scan.ErrDeviceTimeout)
	assert.NotErrorIs(t, err, scan.ErrDeviceConnection)
}

func TestMoveToWaitsForLateMotionDone(t *testing.T) {
	d, fake := newFakeDL225(t)
	d.MotionTimeout = time.Second
	fake.delay["1MD?"] = 60 * time.Millisecond
	start := time.Now()
	require.NoError(t, d.MoveTo(150.3))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

	pos, err := d.GetPos("1")
	require.NoError(t, err)
	assert.Equal(t, 150.3, pos)

	// the motion done replies to the polls that timed out land now
	time.Sleep(80 * time.Millisecond)
	pos, err = d.GetPos("1")
	require.NoError(t, err)
	assert.Equal(t, 150.3, pos)
}

func TestLateReplyDoesNotAnswerNextQuery(t *testing.T) {
	d, fake := newFakeDL225(t)
	fake.pos = 12.5
	fake.delay["1TV?"] = 45 * time.Millisecond
	_, err := d.GetVelocity("1")
	assert.ErrorIs(t, err, scan.ErrDeviceTimeout)

	time.Sleep(30 * time.Millisecond)
	pos, err := d.GetPos("1")
	require.NoError(t, err)
	assert.Equal(t, 12.5, pos)
}

func TestWaitStopTimesOutOnSilentController(t *testing.T) {
	d, fake := newFakeDL225(t)
	d.MotionTimeout = 100 * time.Millisecond
	fake.silent["1MD?"] = true
	start := time.Now()
	err := d.WaitStop("1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMotionTimeout)
	assert.ErrorIs(t, err, scan.ErrDeviceTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestReadErrorsDrainsBuffer(t *testing.T) {
	d, fake := newFakeDL225(t)
	fake.errs = []string{"104, 10, x", "6, 11, x"}
	msgs, err := d.ReadErrors()
	require.NoError(t, err)
	assert.Equal(t, []string{"AXIS 1 POSITIVE HARDWARE LIMIT REACHED", "COMMAND DOES NOT EXIST"}, msgs)
}

func TestMockStageLimits(t *testing.T) {
	m := NewMockStage()
	require.NoError(t, m.MoveTo(100))
	assert.Error(t, m.MoveTo(300))
	assert.Equal(t, []float64{100}, m.Moves)
	require.NoError(t, m.SetMotion(1, 100))
	v, _ := m.GetVelocity(DefaultAxis)
	assert.Equal(t, 1., v)
	assert.Equal(t, 100., m.Acceleration(DefaultAxis))
	require.NoError(t, m.Close())
	assert.True(t, m.Closed())
}
