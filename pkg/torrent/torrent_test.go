package torrent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedvault/seedvault/pkg/errdefs"
	"github.com/seedvault/seedvault/pkg/types"
)

func desc() *types.RequestedFile {
	return &types.RequestedFile{
		Name:       "bundle",
		InfoHashV1: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		TotalBytes: 600,
		Files: []types.TorrentFile{
			{Index: 0, Path: "a/one.bin", Size: 100},
			{Index: 1, Path: "a/two.bin", Size: 200},
			{Index: 2, Path: "three.bin", Size: 300},
		},
	}
}

func TestValidateDescriptor(t *testing.T) {
	assert.NoError(t, ValidateDescriptor(desc()))

	tests := []struct {
		name   string
		mutate func(*types.RequestedFile)
	}{
		{"v2 only", func(d *types.RequestedFile) { d.InfoHashV1 = "" }},
		{"malformed hash", func(d *types.RequestedFile) { d.InfoHashV1 = "zzzz" }},
		{"short hash", func(d *types.RequestedFile) { d.InfoHashV1 = "abcd" }},
		{"no files", func(d *types.RequestedFile) { d.Files = nil }},
		{"no content", func(d *types.RequestedFile) { d.TotalBytes = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := desc()
			tt.mutate(d)
			err := ValidateDescriptor(d)
			assert.True(t, errdefs.HasCode(err, errdefs.CodeInvalidTorrent))
		})
	}
}

type nopEngine struct{}

func (nopEngine) Download(ctx context.Context, desc *types.RequestedFile, selection []int, destDir string, onProgress func(Progress)) error {
	return nil
}

func TestEngineRegistry(t *testing.T) {
	RegisterEngine("registry-test", func() (Engine, error) { return nopEngine{}, nil })

	engine, err := NewEngine("registry-test")
	require.NoError(t, err)
	assert.NotNil(t, engine)

	_, err = NewEngine("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no engine configured")
	assert.Contains(t, err.Error(), "registry-test", "the error lists what is available")

	_, err = NewEngine("no-such-engine")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown engine "no-such-engine"`)

	assert.Panics(t, func() {
		RegisterEngine("registry-test", func() (Engine, error) { return nopEngine{}, nil })
	}, "duplicate registration is a startup bug")
}

func TestSelectionBytes(t *testing.T) {
	d := desc()

	assert.Equal(t, int64(600), SelectionBytes(d, nil), "empty selection means everything")
	assert.Equal(t, int64(300), SelectionBytes(d, []int{0, 1}))
	assert.Equal(t, int64(300), SelectionBytes(d, []int{2}))
	assert.Equal(t, int64(0), SelectionBytes(d, []int{99}), "unknown index contributes nothing")
}

func TestSelectedFiles(t *testing.T) {
	d := desc()

	all := SelectedFiles(d, nil)
	assert.Len(t, all, 3)

	some := SelectedFiles(d, []int{2, 0})
	assert.Len(t, some, 2)
	assert.Equal(t, "a/one.bin", some[0].Path, "descriptor order is preserved")
	assert.Equal(t, "three.bin", some[1].Path)
}
