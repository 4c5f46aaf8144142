package lease

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/B4ckslash/tinydhcpd/internal/dhcp4"
	"github.com/google/renameio/v2/maybe"
)

// ErrLeaseFileCorrupt marks a single malformed line; callers skip the line
// and continue.
const ErrLeaseFileCorrupt errors.Error = "lease: corrupt lease-file line"

// Store persists a Table across restarts using a line-oriented text
// format:
//
//	<hwaddr-colon-hex>,<ipv4-dotted>,<expires-at-decimal-seconds>
//
// The reader tolerates a trailing colon after the hardware address, a
// quirk of the original writer; the writer here never emits one.
type Store struct {
	path string
	log  *slog.Logger
}

// NewStore returns a Store backed by the file at path.
func NewStore(path string, log *slog.Logger) *Store {
	return &Store{path: path, log: log}
}

// Load reads the lease file line by line and restores every entry whose
// expiry has not yet passed into tbl.  A missing file is not an error:
// the table simply starts empty.  Malformed lines and lines whose
// Restore fails (e.g. a stale address conflict) are logged at warn and
// skipped and never make Load fail; only an error opening or reading the
// file is returned.
func (s *Store) Load(ctx context.Context, tbl *Table, now int64) error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("opening lease file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		hw, ip, expiresAt, parseErr := parseLeaseLine(line)
		if parseErr != nil {
			s.log.WarnContext(ctx, "skipping malformed lease line", "line", lineNo, "err", parseErr)

			continue
		}

		if expiresAt <= now {
			continue
		}

		if restoreErr := tbl.Restore(hw, ip, expiresAt); restoreErr != nil {
			s.log.WarnContext(ctx, "skipping stale lease entry", "line", lineNo, "hwaddr", hw, "err", restoreErr)
		}
	}

	return scanner.Err()
}

// Flush rewrites the lease file atomically from tbl's current contents.
func (s *Store) Flush(tbl *Table) error {
	var b strings.Builder
	tbl.Iter(func(hw dhcp4.HardwareAddress, bind Binding) {
		if hw.IsZero() {
			// The declined-address sentinel has no client to reload
			// against; its zero hardware address renders as an empty
			// string, which Load would reject as a malformed line.
			return
		}

		fmt.Fprintf(&b, "%s,%s,%d\n", hw, bind.IP, bind.ExpiresAt)
	})

	return maybe.WriteFile(s.path, []byte(b.String()), 0o644)
}

// parseLeaseLine parses one non-comment, non-blank lease-file line.  A
// line that does not split into exactly three comma-separated fields is
// ErrLeaseFileCorrupt.
func parseLeaseLine(line string) (hw dhcp4.HardwareAddress, ip netip.Addr, expiresAt int64, err error) {
	fields := strings.Split(line, ",")
	if len(fields) != 3 {
		return hw, ip, 0, ErrLeaseFileCorrupt
	}

	hw, err = dhcp4.ParseHardwareAddress(fields[0])
	if err != nil {
		return hw, ip, 0, fmt.Errorf("%w: hwaddr: %s", ErrLeaseFileCorrupt, err)
	}

	ip, err = netip.ParseAddr(fields[1])
	if err != nil || !ip.Is4() {
		return hw, ip, 0, fmt.Errorf("%w: ip: %s", ErrLeaseFileCorrupt, fields[1])
	}

	expiresAt, err = strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return hw, ip, 0, fmt.Errorf("%w: expiry: %s", ErrLeaseFileCorrupt, fields[2])
	}

	return hw, ip, expiresAt, nil
}
