package recordkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	env := DefaultEnvironmentOptions()
	require.NoError(t, env.Validate())
	assert.Equal(t, EngineMemory, env.Engine)
	assert.True(t, env.Transactional)
	assert.Equal(t, DefaultLockTimeout, env.LockTimeout)

	tbl := DefaultTableOptions("t")
	require.NoError(t, tbl.Validate())
	assert.Equal(t, TableBTree, tbl.Type)
	assert.Equal(t, DefaultMaxDeadlockRetries, tbl.MaxDeadlockRetries)
	assert.Equal(t, DefaultKeyCapacity, tbl.KeyCapacity)
	assert.Equal(t, DefaultValueCapacity, tbl.ValueCapacity)
}

func TestEnvironmentOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EnvironmentOptions)
	}{
		{"unknown engine", func(o *EnvironmentOptions) { o.Engine = "leveldb" }},
		{"bolt without home", func(o *EnvironmentOptions) { o.Engine = EngineBolt }},
		{"pebble without home", func(o *EnvironmentOptions) { o.Engine = EnginePebble }},
		{"negative timeout", func(o *EnvironmentOptions) { o.LockTimeout = -1 }},
		{"bad level", func(o *EnvironmentOptions) { o.LogLevel = "loud" }},
		{"bad compression", func(o *EnvironmentOptions) { o.Compression = CompressionType(200) }},
		{"duplicate tables", func(o *EnvironmentOptions) {
			o.Tables = []TableOptions{{Name: "a"}, {Name: "a"}}
		}},
		{"invalid table", func(o *EnvironmentOptions) { o.Tables = []TableOptions{{}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultEnvironmentOptions()
			tt.mutate(opts)
			assert.ErrorIs(t, opts.Validate(), ErrInvalidOptions)
		})
	}

	var nilOpts *EnvironmentOptions
	assert.ErrorIs(t, nilOpts.Validate(), ErrInvalidOptions)

	ok := DefaultEnvironmentOptions()
	ok.Engine = EnginePebble
	ok.InMemory = true
	assert.NoError(t, ok.Validate())
}

func TestTableOptionsValidate(t *testing.T) {
	assert.ErrorIs(t, (&TableOptions{}).Validate(), ErrInvalidOptions)
	assert.ErrorIs(t, (&TableOptions{Name: "q", Type: TableQueue}).Validate(), ErrInvalidOptions)
	assert.NoError(t, (&TableOptions{Name: "q", Type: TableQueue, RecordLength: 8}).Validate())
	assert.ErrorIs(t, (&TableOptions{Name: "r", Type: TableType(42)}).Validate(), ErrUnknownTableType)
	assert.ErrorIs(t, (&TableOptions{Name: "r", MaxDeadlockRetries: -1}).Validate(), ErrInvalidOptions)
	assert.ErrorIs(t, (&TableOptions{Name: "r", TransactionMode: 7}).Validate(), ErrInvalidOptions)
	assert.NoError(t, (&TableOptions{Name: "zero"}).Validate())
}

func TestTableOptionsWithDefaults(t *testing.T) {
	o := TableOptions{Name: "t"}.withDefaults()
	assert.Equal(t, TableBTree, o.Type)
	assert.Equal(t, 1, o.MaxDeadlockRetries)
	assert.Equal(t, 16, o.KeyCapacity)
	assert.Equal(t, 1024, o.ValueCapacity)

	o = TableOptions{Name: "t", MaxDeadlockRetries: 5, Type: TableHash}.withDefaults()
	assert.Equal(t, 5, o.MaxDeadlockRetries)
	assert.Equal(t, TableHash, o.Type)
}

func TestTransactionModeText(t *testing.T) {
	for _, m := range []TransactionMode{TxnModePerCall, TxnModeNone} {
		b, err := m.MarshalText()
		require.NoError(t, err)
		var got TransactionMode
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, m, got)
	}
	var m TransactionMode
	assert.ErrorIs(t, m.UnmarshalText([]byte("sometimes")), ErrInvalidOptions)
}
