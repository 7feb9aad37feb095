package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"

	"github.com/standardbeagle/postgrab/internal/download"
	"github.com/standardbeagle/postgrab/internal/merge"
	"github.com/standardbeagle/postgrab/internal/protocol"
	"github.com/standardbeagle/postgrab/internal/settings"
)

// handleMerge runs one merge and, on success, starts saving the result.
// The reply is always a merge.Response.
func (c *Connection) handleMerge(ctx context.Context, cmd *protocol.Command) error {
	if len(cmd.Data) == 0 {
		return c.writeErr(protocol.ErrInvalidArgs, "MERGE requires a request payload")
	}
	var req merge.Request
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		return c.writeErr(protocol.ErrInvalidArgs, "invalid merge request: "+err.Error())
	}

	d := c.daemon
	d.merges.Add(1)
	resp, err := d.merger.Merge(ctx, req)
	if err != nil {
		resp = merge.Failed(err)
	}
	if resp.Success {
		id := d.downloads.Start(resp.BlobURL, req.OutputFileName)
		log.Printf("[Daemon] merge %s done, download %s started", req.OutputFileName, id)
	}
	return c.writeJSON(resp)
}

// SettingValue is the reply to SETTINGS GET.
type SettingValue struct {
	Key   string `json:"key"`
	Value bool   `json:"value"`
}

func (c *Connection) handleSettings(ctx context.Context, cmd *protocol.Command) error {
	st := c.daemon.settings
	switch cmd.SubVerb {
	case protocol.SubVerbGet:
		if len(cmd.Args) != 1 {
			return c.writeErr(protocol.ErrInvalidArgs, "usage: SETTINGS GET <key>")
		}
		v, err := st.Get(ctx, cmd.Args[0])
		if err != nil {
			return c.writeSettingsErr(err)
		}
		return c.writeJSON(SettingValue{Key: cmd.Args[0], Value: v})

	case protocol.SubVerbSet:
		if len(cmd.Args) != 2 {
			return c.writeErr(protocol.ErrInvalidArgs, "usage: SETTINGS SET <key> <true|false>")
		}
		v, err := strconv.ParseBool(cmd.Args[1])
		if err != nil {
			return c.writeErr(protocol.ErrInvalidArgs, "value must be true or false")
		}
		if err := st.Set(ctx, cmd.Args[0], v); err != nil {
			return c.writeSettingsErr(err)
		}
		return c.writeOK("")

	case protocol.SubVerbList, "":
		all, err := st.All(ctx)
		if err != nil {
			return c.writeErr(protocol.ErrInternal, err.Error())
		}
		return c.writeJSON(all)

	default:
		return c.writeErr(protocol.ErrInvalidArgs, "unknown SETTINGS action "+cmd.SubVerb)
	}
}

func (c *Connection) writeSettingsErr(err error) error {
	if errors.Is(err, settings.ErrUnknownKey) {
		return c.writeErr(protocol.ErrNotFound, err.Error())
	}
	return c.writeErr(protocol.ErrInternal, err.Error())
}

// DownloadStarted is the reply to DOWNLOAD START.
type DownloadStarted struct {
	ID string `json:"id"`
}

func (c *Connection) handleDownload(cmd *protocol.Command) error {
	dl := c.daemon.downloads
	switch cmd.SubVerb {
	case protocol.SubVerbStart:
		var cfg protocol.DownloadStartConfig
		if err := json.Unmarshal(cmd.Data, &cfg); err != nil || cfg.HandleURL == "" || cfg.FileName == "" {
			return c.writeErr(protocol.ErrInvalidArgs, "DOWNLOAD START requires handleUrl and fileName")
		}
		return c.writeJSON(DownloadStarted{ID: dl.Start(cfg.HandleURL, cfg.FileName)})

	case protocol.SubVerbStatus:
		if len(cmd.Args) != 1 {
			return c.writeErr(protocol.ErrInvalidArgs, "usage: DOWNLOAD STATUS <id>")
		}
		res, err := dl.Status(cmd.Args[0])
		if errors.Is(err, download.ErrUnknownDownload) {
			return c.writeErr(protocol.ErrNotFound, err.Error())
		}
		if err != nil {
			return c.writeErr(protocol.ErrInternal, err.Error())
		}
		return c.writeJSON(res)

	default:
		return c.writeErr(protocol.ErrInvalidArgs, "unknown DOWNLOAD action "+cmd.SubVerb)
	}
}
