package dataset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/akikaku/akikaku-engine/pkg/logging"
)

// record is one entry of the crawler's JSON output.
type record struct {
	Name        string `json:"名前"`
	Room        string `json:"号室"`
	Address     string `json:"所在地"`
	Rent        string `json:"賃料"`
	Layout      string `json:"間取り"`
	Area        string `json:"専有面積"`
	BuildYear   string `json:"築年月"`
	CompanyInfo string `json:"管理会社情報"`
	Number      string `json:"物件番号"`
}

// FileSource reads the dataset from the crawler's JSON file.
type FileSource struct {
	Path string
}

var _ Source = (*FileSource)(nil)

// Load decodes the file into properties, dropping records without a name or
// address and duplicates of the same name, room and address.
func (f *FileSource) Load(ctx context.Context) ([]Property, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read dataset file: %w", err)
	}
	return Decode(data)
}

// Decode parses crawler JSON output.
func Decode(data []byte) ([]Property, error) {
	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}

	seen := make(map[string]struct{}, len(records))
	props := make([]Property, 0, len(records))
	for _, r := range records {
		name := strings.TrimSpace(r.Name)
		room := strings.TrimSpace(r.Room)
		if room == "" {
			name, room = SplitRoom(name)
		}
		address := strings.TrimSpace(r.Address)
		if name == "" || address == "" {
			continue
		}

		key := name + "|" + room + "|" + address
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		company := ParseCompanyInfo(r.CompanyInfo)
		props = append(props, Property{
			Index:        len(props),
			Name:         name,
			Room:         room,
			Address:      address,
			Layout:       strings.TrimSpace(r.Layout),
			Area:         strings.TrimSpace(r.Area),
			Rent:         NormalizeRent(r.Rent),
			BuildYear:    strings.TrimSpace(r.BuildYear),
			CompanyInfo:  strings.TrimSpace(r.CompanyInfo),
			CompanyID:    company.ID,
			CompanyName:  company.Name,
			CompanyPhone: company.Phone,
		})
	}
	return props, nil
}

// CommandSource runs the crawler as a subprocess and then reads its output
// through Output. An empty Command skips the crawl and only reads.
type CommandSource struct {
	Command string
	Timeout time.Duration
	Output  Source
	Logger  *zap.Logger
}

var _ Source = (*CommandSource)(nil)

// Load runs the crawl command with a timeout, then loads Output.
func (c *CommandSource) Load(ctx context.Context) ([]Property, error) {
	if strings.TrimSpace(c.Command) != "" {
		if err := c.crawl(ctx); err != nil {
			return nil, err
		}
	}
	return c.Output.Load(ctx)
}

func (c *CommandSource) crawl(ctx context.Context) error {
	args := strings.Fields(c.Command)
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("crawl timed out after %s", c.Timeout)
		}
		return fmt.Errorf("crawl command failed: %w: %s", err,
			logging.TruncateString(strings.TrimSpace(stderr.String()), 500))
	}

	if c.Logger != nil {
		c.Logger.Info("Crawl finished",
			zap.String("command", args[0]),
			zap.Duration("elapsed", time.Since(started)))
	}
	return nil
}
