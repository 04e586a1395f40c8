package event

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHexArg(t *testing.T) {
	tests := []struct {
		name          string
		in            string
		want          int64
		wantTruncated bool
		wantErr       bool
	}{
		{name: "small positive", in: "3", want: 3},
		{name: "eight digit length stays positive", in: "80000000", want: 0x80000000},
		{name: "eight digit positive", in: "7fffffff", want: 2147483647},
		{name: "long pointer", in: "7ffd2a3b4c50", want: 0x7ffd2a3b4c50},
		{name: "sixteen digit negative", in: "fffffffffffff000", want: -4096},
		{name: "truncated", in: "1fffffffffffff000", want: -4096, wantTruncated: true},
		{name: "not hex", in: "zz", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, truncated, err := ParseHexArg(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantTruncated, truncated)
		})
	}
}

func TestParseIntArg(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "3", want: 3},
		{in: "ffffff9c", want: -100},
		{in: "ffffffff", want: -1},
		{in: "7fffffff", want: 2147483647},
		{in: "fffffffffffffff6", want: -10},
		{in: "xyz", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseIntArg(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatHex(t *testing.T) {
	assert.Equal(t, "7f0000", FormatHex(0x7f0000))
	assert.Equal(t, "-64", FormatHex(-100))
	assert.Equal(t, "0", FormatHex(0))
}

func TestEventAccessors(t *testing.T) {
	ev := New("1.000", "42", map[string]string{
		KeyPID:     "10",
		KeySyscall: "openat",
		KeySuccess: "yes",
		KeyExit:    "3",
		KeyArg0:    "ffffff9c",
		KeyArg2:    "241",
		KeyArg3:    "80000000",
	},
		PathRecord{Item: 1, Name: "/tmp/a", NameType: NameTypeCreate, Mode: "0100644"},
		PathRecord{Item: 0, Name: "/tmp", NameType: NameTypeParent, Mode: "040755"},
	)

	assert.True(t, ev.Success())
	assert.Equal(t, "openat", ev.Syscall())

	exit, err := ev.Exit()
	require.NoError(t, err)
	assert.Equal(t, int64(3), exit)

	dirfd, err := ev.IntArg(0)
	require.NoError(t, err)
	assert.Equal(t, int64(-100), dirfd)

	length, err := ev.Arg(3)
	require.NoError(t, err)
	assert.Equal(t, int64(0x80000000), length)

	a2, err := ev.ArgString(2)
	require.NoError(t, err)
	assert.Equal(t, "577", a2)

	_, err = ev.Arg(1)
	var malformed *MalformedRecordError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, KeyArg1, malformed.Key)

	assert.Equal(t, 0, ev.Paths[0].Item, "paths sorted by item")
	create, ok := ev.FirstPathWithNameType(NameTypeCreate)
	require.True(t, ok)
	assert.Equal(t, "/tmp/a", create.Name)
	assert.Equal(t, "644", create.Permissions())
	assert.Equal(t, uint32(0100000), create.FileType())

	parent, ok := ev.PathByItem(0)
	require.True(t, ok)
	assert.Equal(t, uint32(0040000), parent.FileType())
	assert.Len(t, ev.PathsWithNameType(NameTypeNormal), 0)
}

func TestEventMalformedInt(t *testing.T) {
	ev := New("1.000", "1", map[string]string{KeyExit: "EPERM"})
	_, err := ev.Exit()
	var malformed *MalformedRecordError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, KeyExit, malformed.Key)
	assert.Contains(t, err.Error(), "EPERM")
}
