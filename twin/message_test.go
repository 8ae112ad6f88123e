package twin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twintalk/twintalk-go/twin"
)

func TestClassifySelector(t *testing.T) {
	cases := []struct {
		selector string
		op       twin.Opcode
		slot     string
		arity    int
	}{
		{"temperature", twin.OpGet, "temperature", 0},
		{"temperature:", twin.OpSet, "temperature", 1},
		{"updateTelemetry:", twin.OpUpdateBatch, "", 1},
		{"clone", twin.OpClone, "", 0},
		{"clone:", twin.OpClone, "", 1},
		{"checkAlert", twin.OpGet, "checkAlert", 0},
		{"moveTo:speed:", twin.OpCustom, "", 2},
		{"a:b:c:", twin.OpCustom, "", 3},
	}

	for _, tc := range cases {
		t.Run(tc.selector, func(t *testing.T) {
			classification := twin.ClassifySelector(tc.selector)
			assert.Equal(t, tc.op, classification.Op)
			assert.Equal(t, tc.slot, classification.Slot)
			assert.Equal(t, tc.arity, classification.Arity)
		})
	}
}

func TestSelectorCache(t *testing.T) {
	cache := twin.NewSelectorCache()

	first := cache.Classify("temperature:")
	second := cache.Classify("temperature:")

	assert.Equal(t, first, second)
	assert.Equal(t, twin.OpSet, first.Op)

	// Independent caches never share state.
	other := twin.NewSelectorCache()
	assert.Equal(t, first, other.Classify("temperature:"))
}

func TestMessage_Immutability(t *testing.T) {
	args := []twin.Value{twin.Float(21.5)}
	m := twin.NewMessage("temperature:", args...)

	args[0] = twin.Float(99.9)
	assert.True(t, m.Args()[0].Equal(twin.Float(21.5)))

	returned := m.Args()
	returned[0] = twin.Float(0)
	assert.True(t, m.Args()[0].Equal(twin.Float(21.5)))
}

func TestMessage_String(t *testing.T) {
	assert.Equal(t, "temperature", twin.NewMessage("temperature").String())
	assert.Equal(t, "temperature: 21.5",
		twin.NewMessage("temperature:", twin.Float(21.5)).String())
}

func TestParseMessage(t *testing.T) {
	t.Run("zero-argument get", func(t *testing.T) {
		m, err := twin.ParseMessage("temperature")
		require.NoError(t, err)
		assert.Equal(t, "temperature", m.Selector())
		assert.Equal(t, 0, m.ArgCount())
	})

	t.Run("one-argument set with float literal", func(t *testing.T) {
		m, err := twin.ParseMessage("temperature: 21.5")
		require.NoError(t, err)
		assert.Equal(t, "temperature:", m.Selector())
		require.Equal(t, 1, m.ArgCount())
		assert.True(t, m.Args()[0].Equal(twin.Float(21.5)))
	})

	t.Run("literal kinds", func(t *testing.T) {
		m, err := twin.ParseMessage(`tag: hello`)
		require.NoError(t, err)
		assert.True(t, m.Args()[0].Equal(twin.Text("hello")))

		m, err = twin.ParseMessage(`flag: true`)
		require.NoError(t, err)
		assert.True(t, m.Args()[0].Equal(twin.Boolean(true)))

		m, err = twin.ParseMessage(`count: 7`)
		require.NoError(t, err)
		assert.True(t, m.Args()[0].Equal(twin.Integer(7)))

		m, err = twin.ParseMessage(`slot: nil`)
		require.NoError(t, err)
		assert.True(t, m.Args()[0].IsNil())
	})

	t.Run("arity mismatch", func(t *testing.T) {
		_, err := twin.ParseMessage("temperature: 1 2")
		assert.ErrorIs(t, err, twin.ErrWrongArity)
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := twin.ParseMessage("   ")
		assert.Error(t, err)
	})
}
