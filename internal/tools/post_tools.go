package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/postgrab/internal/manifest"
	"github.com/standardbeagle/postgrab/internal/merge"
)

// ResolveInput defines input for the resolve tool.
type ResolveInput struct {
	Source   string `json:"source" jsonschema:"Post URL or path to a saved HTML page"`
	Location string `json:"location,omitempty" jsonschema:"Address a saved page was loaded from"`
	Whatsapp bool   `json:"whatsapp,omitempty" jsonschema:"Use the VID-YYYYMMDD-WAnnnn naming"`
}

// ResolveOutput defines output for the resolve tool.
type ResolveOutput struct {
	PostID         string  `json:"post_id"`
	Account        string  `json:"account"`
	Name           string  `json:"name"`
	Seconds        float64 `json:"seconds"`
	VideoURL       string  `json:"video_url"`
	AudioURL       string  `json:"audio_url,omitempty"`
	VideoBandwidth int64   `json:"video_bandwidth"`
	AudioBandwidth int64   `json:"audio_bandwidth,omitempty"`
}

// MergeOutput defines output for the merge tool.
type MergeOutput struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	BlobURL string `json:"blob_url,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (dt *DaemonTools) resolve(ctx context.Context, input ResolveInput) (ResolveOutput, error) {
	if input.Source == "" {
		return ResolveOutput{}, errors.New("source is required")
	}
	res, err := dt.resolver.Resolve(ctx, input.Source, input.Location, input.Whatsapp)
	if err != nil {
		return ResolveOutput{}, err
	}
	return ResolveOutput{
		PostID:         res.PostID,
		Account:        res.Account,
		Name:           res.Name,
		Seconds:        res.Seconds,
		VideoURL:       res.Pair.VideoURL,
		AudioURL:       res.Pair.AudioURL,
		VideoBandwidth: res.Pair.VideoBandwidth,
		AudioBandwidth: res.Pair.AudioBandwidth,
	}, nil
}

func resolveError(err error) *mcp.CallToolResult {
	if errors.Is(err, manifest.ErrNotFound) {
		return errorResult(fmt.Sprintf("resolve: %v\n\nThe page holds no stream data for this post. Pass a saved detail page and its location.", err))
	}
	return errorResult(fmt.Sprintf("resolve failed: %v", err))
}

// makeResolveHandler creates a handler for the resolve tool.
func (dt *DaemonTools) makeResolveHandler() func(context.Context, *mcp.CallToolRequest, ResolveInput) (*mcp.CallToolResult, ResolveOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ResolveInput) (*mcp.CallToolResult, ResolveOutput, error) {
		out, err := dt.resolve(ctx, input)
		if err != nil {
			return resolveError(err), ResolveOutput{}, nil
		}
		return nil, out, nil
	}
}

// makeMergeHandler creates a handler for the merge tool.
func (dt *DaemonTools) makeMergeHandler() func(context.Context, *mcp.CallToolRequest, ResolveInput) (*mcp.CallToolResult, MergeOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ResolveInput) (*mcp.CallToolResult, MergeOutput, error) {
		res, err := dt.resolve(ctx, input)
		if err != nil {
			return resolveError(err), MergeOutput{}, nil
		}
		client, err := dt.ensureConnected()
		if err != nil {
			return errorResult(err.Error()), MergeOutput{}, nil
		}

		resp, err := merge.Send(ctx, client, merge.NewRequest(res.VideoURL, res.AudioURL, res.Name, input.Whatsapp))
		if err != nil {
			return formatDaemonError(err, "merge"), MergeOutput{Name: res.Name}, nil
		}
		out := MergeOutput{Name: res.Name, Success: resp.Success, BlobURL: resp.BlobURL, Error: resp.Error}
		if !resp.Success {
			return errorResult("merge failed: " + resp.Error), out, nil
		}
		return nil, out, nil
	}
}
