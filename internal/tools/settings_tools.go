package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// SettingsInput defines input for the settings tool.
type SettingsInput struct {
	Action string `json:"action" jsonschema:"Action: list (default), get, set"`
	Key    string `json:"key,omitempty" jsonschema:"Setting key (required for get/set)"`
	Value  *bool  `json:"value,omitempty" jsonschema:"New value (required for set)"`
}

// SettingsOutput defines output for the settings tool.
type SettingsOutput struct {
	Settings map[string]bool `json:"settings"`
}

// makeSettingsHandler creates a handler for the settings tool.
func (dt *DaemonTools) makeSettingsHandler() func(context.Context, *mcp.CallToolRequest, SettingsInput) (*mcp.CallToolResult, SettingsOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SettingsInput) (*mcp.CallToolResult, SettingsOutput, error) {
		empty := SettingsOutput{Settings: map[string]bool{}}

		client, err := dt.ensureConnected()
		if err != nil {
			return errorResult(err.Error()), empty, nil
		}

		switch input.Action {
		case "", "list":
			all, err := client.Settings(ctx)
			if err != nil {
				return formatDaemonError(err, "settings"), empty, nil
			}
			return nil, SettingsOutput{Settings: all}, nil

		case "get":
			if input.Key == "" {
				return errorResult("settings: key is required for get"), empty, nil
			}
			v, err := client.GetSetting(ctx, input.Key)
			if err != nil {
				return formatDaemonError(err, "settings"), empty, nil
			}
			return nil, SettingsOutput{Settings: map[string]bool{input.Key: v}}, nil

		case "set":
			if input.Key == "" || input.Value == nil {
				return errorResult("settings: key and value are required for set"), empty, nil
			}
			if err := client.SetSetting(ctx, input.Key, *input.Value); err != nil {
				return formatDaemonError(err, "settings"), empty, nil
			}
			return nil, SettingsOutput{Settings: map[string]bool{input.Key: *input.Value}}, nil

		default:
			return errorResult(fmt.Sprintf("settings: unknown action %q\n\nValid actions: list, get, set", input.Action)), empty, nil
		}
	}
}
