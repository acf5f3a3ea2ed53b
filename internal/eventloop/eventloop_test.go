package eventloop

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime records the timer ids fired through Eval.
type fakeRuntime struct {
	fired      []string
	microtasks int
	failOn     string
}

func (f *fakeRuntime) Eval(js string) error {
	start := strings.Index(js, "__timerCallbacks[")
	end := strings.Index(js[start:], "]")
	id := js[start+len("__timerCallbacks[") : start+end]
	f.fired = append(f.fired, id)
	if id == f.failOn {
		return fmt.Errorf("boom")
	}
	return nil
}
func (f *fakeRuntime) EvalString(string) (string, error) { return "", nil }
func (f *fakeRuntime) EvalBool(string) (bool, error)     { return false, nil }
func (f *fakeRuntime) EvalInt(string) (int, error)       { return 0, nil }
func (f *fakeRuntime) RegisterFunc(string, any) error    { return nil }
func (f *fakeRuntime) SetGlobal(string, any) error       { return nil }
func (f *fakeRuntime) RunMicrotasks()                    { f.microtasks++ }

func TestDrainFiresInDeadlineOrder(t *testing.T) {
	el := New()
	late := el.RegisterTimer(20*time.Millisecond, false)
	early := el.RegisterTimer(0, false)
	require.True(t, el.HasPending())

	rt := &fakeRuntime{}
	require.NoError(t, el.Drain(rt, time.Now().Add(time.Second)))

	assert.Equal(t, []string{fmt.Sprint(early), fmt.Sprint(late)}, rt.fired)
	assert.Equal(t, 2, rt.microtasks)
	assert.False(t, el.HasPending())
}

func TestDrainStopsAtDeadline(t *testing.T) {
	el := New()
	el.RegisterTimer(time.Hour, false)

	rt := &fakeRuntime{}
	start := time.Now()
	require.NoError(t, el.Drain(rt, time.Now().Add(10*time.Millisecond)))
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, rt.fired)
	assert.True(t, el.HasPending())

	el.Reset()
	assert.False(t, el.HasPending())
}

func TestClearTimer(t *testing.T) {
	el := New()
	id := el.RegisterTimer(0, false)
	el.ClearTimer(id)
	rt := &fakeRuntime{}
	require.NoError(t, el.Drain(rt, time.Now().Add(time.Second)))
	assert.Empty(t, rt.fired)
}

func TestIntervalReschedules(t *testing.T) {
	el := New()
	id := el.RegisterTimer(0, true)
	rt := &fakeRuntime{}
	require.NoError(t, el.Drain(rt, time.Now().Add(35*time.Millisecond)))
	assert.GreaterOrEqual(t, len(rt.fired), 2)
	assert.True(t, el.HasPending())
	el.ClearTimer(id)
	assert.False(t, el.HasPending())
}

func TestDrainReturnsCallbackError(t *testing.T) {
	el := New()
	id := el.RegisterTimer(0, false)
	rt := &fakeRuntime{failOn: fmt.Sprint(id)}
	err := el.Drain(rt, time.Now().Add(time.Second))
	assert.ErrorContains(t, err, "boom")
}
