package twin_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twintalk/twintalk-go/twin"
)

func TestDefinitions_RegisterAndLookup(t *testing.T) {
	defs := twin.NewDefinitions()

	_, ok := defs.Lookup("TemperatureSensor", "checkAlert!")
	assert.False(t, ok)

	defs.Register("TemperatureSensor", "checkAlert!",
		func(slots map[string]twin.Value, _ []twin.Value) (twin.Value, map[string]twin.Value, error) {
			return twin.Boolean(true), nil, nil
		})

	handler, ok := defs.Lookup("TemperatureSensor", "checkAlert!")
	require.True(t, ok)
	result, updates, err := handler(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, updates)
	assert.True(t, result.Equal(twin.Boolean(true)))

	// Handlers are keyed by kind: another kind does not see it.
	_, ok = defs.Lookup("HumiditySensor", "checkAlert!")
	assert.False(t, ok)
}

func TestDefinitions_ConcurrentReadDuringRegister(t *testing.T) {
	defs := twin.NewDefinitions()
	noop := func(map[string]twin.Value, []twin.Value) (twin.Value, map[string]twin.Value, error) {
		return twin.Nil(), nil, nil
	}
	defs.Register("Sensor", "seed!", noop)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				defs.Register("Sensor", "swapped!", noop)
			}
		}
	}()

	// Readers must always observe a fully-formed table.
	for i := 0; i < 1000; i++ {
		_, ok := defs.Lookup("Sensor", "seed!")
		assert.True(t, ok)
	}
	close(stop)
	wg.Wait()
}

func TestTwin_CustomHandlerDispatch(t *testing.T) {
	defs := twin.NewDefinitions()
	defs.Register("TemperatureSensor", "calibrate:offset:",
		func(slots map[string]twin.Value, args []twin.Value) (twin.Value, map[string]twin.Value, error) {
			current, err := slots["temperature"].AsFloat()
			if err != nil {
				return twin.Nil(), nil, err
			}
			offset, err := args[1].AsFloat()
			if err != nil {
				return twin.Nil(), nil, err
			}
			return twin.Float(current + offset), map[string]twin.Value{
				"temperature": twin.Float(current + offset),
			}, nil
		})

	tw := spawnSensor(t)

	t.Run("handler result and mutation", func(t *testing.T) {
		result, event, err := tw.Apply(
			twin.NewMessage("calibrate:offset:", twin.Text("linear"), twin.Float(1.5)), defs, nil)
		require.NoError(t, err)
		require.NotNil(t, event)
		assert.True(t, result.Equal(twin.Float(21.5)))

		merged, ok := event.Payload.(twin.SlotsMerged)
		require.True(t, ok)
		assert.True(t, merged.Slots["temperature"].Equal(twin.Float(21.5)))
	})

	t.Run("unknown selector without handler", func(t *testing.T) {
		_, _, err := tw.Apply(twin.NewMessage("frobnicate:with:", twin.Nil(), twin.Nil()), defs, nil)
		assert.ErrorIs(t, err, twin.ErrUnknownSelector)
	})

	t.Run("handler error propagates without an event", func(t *testing.T) {
		boom := errors.New("sensor offline")
		defs.Register("TemperatureSensor", "fail:always:",
			func(map[string]twin.Value, []twin.Value) (twin.Value, map[string]twin.Value, error) {
				return twin.Nil(), nil, boom
			})

		_, event, err := tw.Apply(
			twin.NewMessage("fail:always:", twin.Nil(), twin.Nil()), defs, nil)
		assert.ErrorIs(t, err, boom)
		assert.Nil(t, event)
	})

	t.Run("handler updates obey type stability", func(t *testing.T) {
		defs.Register("TemperatureSensor", "corrupt:mode:",
			func(map[string]twin.Value, []twin.Value) (twin.Value, map[string]twin.Value, error) {
				return twin.Nil(), map[string]twin.Value{"mode": twin.Integer(1)}, nil
			})

		_, event, err := tw.Apply(
			twin.NewMessage("corrupt:mode:", twin.Nil(), twin.Nil()), defs, nil)
		assert.ErrorIs(t, err, twin.ErrTypeMismatch)
		assert.Nil(t, event)
	})

	t.Run("bare selector reaches a zero-argument handler", func(t *testing.T) {
		defs.Register("TemperatureSensor", "checkAlert",
			func(slots map[string]twin.Value, _ []twin.Value) (twin.Value, map[string]twin.Value, error) {
				temperature, _ := slots["temperature"].AsFloat()
				threshold, _ := slots["threshold"].AsFloat()
				return twin.Boolean(temperature > threshold), nil, nil
			})

		result, event, err := tw.Apply(twin.NewMessage("checkAlert"), defs, nil)
		require.NoError(t, err)
		assert.Nil(t, event)
		assert.True(t, result.Equal(twin.Boolean(false)))
	})

	t.Run("existing slot shadows a bare handler", func(t *testing.T) {
		result, event, err := tw.Apply(twin.NewMessage("temperature"), defs, nil)
		require.NoError(t, err)
		assert.Nil(t, event)
		assert.True(t, result.Equal(twin.Float(20.0)))
	})

	t.Run("pure read returns no event", func(t *testing.T) {
		defs.Register("TemperatureSensor", "report:as:",
			func(slots map[string]twin.Value, _ []twin.Value) (twin.Value, map[string]twin.Value, error) {
				return slots["temperature"], nil, nil
			})

		_, event, err := tw.Apply(
			twin.NewMessage("report:as:", twin.Nil(), twin.Nil()), defs, nil)
		require.NoError(t, err)
		assert.Nil(t, event)
	})
}
