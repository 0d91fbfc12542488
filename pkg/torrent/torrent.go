package torrent

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/seedvault/seedvault/pkg/errdefs"
	"github.com/seedvault/seedvault/pkg/types"
)

// Progress is a snapshot of an in-flight download
type Progress struct {
	BytesDone  int64
	TotalBytes int64
	// State is a short human-readable phase, e.g. "fetching metadata",
	// "downloading 3/7".
	State string
}

// Engine drives the actual BitTorrent download. The production engine is
// an external collaborator; this package only defines the contract the
// download worker consumes.
type Engine interface {
	// Download fetches the selected files of the descriptor into destDir,
	// calling onProgress at its own pace. It blocks until the selection is
	// complete, ctx is cancelled, or the swarm fails.
	Download(ctx context.Context, desc *types.RequestedFile, selection []int, destDir string, onProgress func(Progress)) error
}

var (
	enginesMu sync.RWMutex
	engines   = make(map[string]func() (Engine, error))
)

// RegisterEngine makes an engine constructor available under name, the
// same way database/sql drivers register themselves: the deployment links
// a package whose init() calls this. Duplicate names panic at startup.
func RegisterEngine(name string, build func() (Engine, error)) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	if _, dup := engines[name]; dup {
		panic(fmt.Sprintf("torrent: duplicate engine registration for %q", name))
	}
	engines[name] = build
}

// NewEngine builds the named registered engine. An empty or unknown name
// is a configuration error, reported with the names that are available.
func NewEngine(name string) (Engine, error) {
	enginesMu.RLock()
	build, ok := engines[name]
	var known []string
	for n := range engines {
		known = append(known, n)
	}
	enginesMu.RUnlock()
	sort.Strings(known)

	if name == "" {
		return nil, fmt.Errorf("torrent: no engine configured (torrent.engine); registered: %v", known)
	}
	if !ok {
		return nil, fmt.Errorf("torrent: unknown engine %q; registered: %v", name, known)
	}
	return build()
}

// ValidateDescriptor checks a parsed torrent descriptor before a job is
// created for it. v2-only torrents are rejected because the scrape and
// download paths require a v1 hash.
func ValidateDescriptor(desc *types.RequestedFile) error {
	if desc.InfoHashV1 == "" {
		return errdefs.New(errdefs.CodeInvalidTorrent, "torrent %q has no v1 info-hash", desc.Name)
	}
	if raw, err := hex.DecodeString(desc.InfoHashV1); err != nil || len(raw) != 20 {
		return errdefs.New(errdefs.CodeInvalidTorrent, "torrent %q has malformed info-hash %q", desc.Name, desc.InfoHashV1)
	}
	if len(desc.Files) == 0 {
		return errdefs.New(errdefs.CodeInvalidTorrent, "torrent %q has an empty file list", desc.Name)
	}
	if desc.TotalBytes <= 0 {
		return errdefs.New(errdefs.CodeInvalidTorrent, "torrent %q reports no content", desc.Name)
	}
	return nil
}

// SelectionBytes returns the total size of the selected file indexes. An
// empty selection means every file.
func SelectionBytes(desc *types.RequestedFile, selection []int) int64 {
	if len(selection) == 0 {
		return desc.TotalBytes
	}
	byIndex := make(map[int]int64, len(desc.Files))
	for _, f := range desc.Files {
		byIndex[f.Index] = f.Size
	}
	var total int64
	for _, idx := range selection {
		total += byIndex[idx]
	}
	return total
}

// SelectedFiles returns the descriptor files matching the selection, in
// descriptor order. An empty selection selects everything.
func SelectedFiles(desc *types.RequestedFile, selection []int) []types.TorrentFile {
	if len(selection) == 0 {
		return desc.Files
	}
	wanted := make(map[int]bool, len(selection))
	for _, idx := range selection {
		wanted[idx] = true
	}
	out := make([]types.TorrentFile, 0, len(selection))
	for _, f := range desc.Files {
		if wanted[f.Index] {
			out = append(out, f)
		}
	}
	return out
}
