package util

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_align(t *testing.T) {
	assert.Equal(t, 0, AlignValue8(0))
	assert.Equal(t, 8, AlignValue8(1))
	assert.Equal(t, 32, AlignValue8(27))
	assert.Equal(t, int64(128), AlignValue(int64(100), 64))
	assert.Equal(t, uint64(16), NextPowerOfTwo(9))
	assert.True(t, IsPowerOfTwo(64))
	assert.False(t, IsPowerOfTwo(65))
}

func Test_faultInject(t *testing.T) {
	errFault := errors.New("injected")
	action := func([]string) error { return errFault }

	//closed scope ignores registrations
	Register(FAULTS_SCOPE_KERNEL, FAULT_KERNEL_NO_SPACE, nil, action)
	assert.NoError(t, Inject(FAULTS_SCOPE_KERNEL, FAULT_KERNEL_NO_SPACE))

	Open(FAULTS_SCOPE_KERNEL)
	defer Close(FAULTS_SCOPE_KERNEL)
	Register(FAULTS_SCOPE_KERNEL, FAULT_KERNEL_NO_SPACE, []string{"a"}, action)
	act := Check(FAULTS_SCOPE_KERNEL, FAULT_KERNEL_NO_SPACE)
	require.NotNil(t, act)
	assert.Equal(t, []string{"a"}, act.Args)
	assert.ErrorIs(t, Inject(FAULTS_SCOPE_KERNEL, FAULT_KERNEL_NO_SPACE), errFault)
	assert.NoError(t, Inject(FAULTS_SCOPE_KERNEL, FAULT_KERNEL_FAULT))
	//other scopes are independent
	assert.NoError(t, Inject(FAULTS_SCOPE_DEVICE, FAULT_KERNEL_NO_SPACE))

	Unregister(FAULTS_SCOPE_KERNEL, FAULT_KERNEL_NO_SPACE)
	assert.NoError(t, Inject(FAULTS_SCOPE_KERNEL, FAULT_KERNEL_NO_SPACE))

	//out of range scopes are ignored
	Open(FAULTS_COUNT)
	assert.Nil(t, Check(-1, FAULT_KERNEL_NO_SPACE))
}

func Test_config(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.PreAgg.Enable)
	assert.Equal(t, DefaultVectorSize, cfg.PreAgg.ChunkRows)
	cfg.Tables = append(cfg.Tables, TableOptions{Name: "t1"}, TableOptions{Name: "t2"})
	tab := cfg.Table("t2")
	require.NotNil(t, tab)
	tab.Path = "x"
	assert.Equal(t, "x", cfg.Tables[1].Path)
	assert.Nil(t, cfg.Table("t3"))
}

func Test_logger(t *testing.T) {
	err := InitLogger(LogOptions{Level: "debug"})
	require.NoError(t, err)
	Debug("debug")
	Info("info")
	assert.NotNil(t, Logger())

	err = InitLogger(LogOptions{Level: "nope"})
	assert.Error(t, err)
}

func Test_convertPanic(t *testing.T) {
	err := ConvertPanicError("boom")
	assert.Contains(t, err.Error(), "boom")
	inner := errors.New("inner")
	assert.ErrorIs(t, ConvertPanicError(inner), inner)
}
