package mcp

import "github.com/modelcontextprotocol/go-sdk/mcp"

const (
	toolThemeVerify = "theme_verify"
	toolThemePlan   = "theme_plan"
)

// ToolDefinitions returns the theme verification tool definitions.
func ToolDefinitions() []*mcp.Tool {
	planProperties := map[string]any{
		"document_path": map[string]any{
			"type":        "string",
			"description": "Path of the local HTML document to open (relative paths resolve against the server's working directory). Default index.html.",
		},
		"output_dir": map[string]any{
			"type":        "string",
			"description": "Directory the two screenshots are written to. Default jules-scratch/verification.",
		},
		"activation": map[string]any{
			"type":        "string",
			"enum":        []string{"programmatic", "click"},
			"description": "How to trigger the theme toggle: programmatic calls element.click() in the page (works on hidden inputs); click simulates a real pointer click.",
		},
		"settle_ms": map[string]any{
			"type":        "integer",
			"minimum":     0,
			"maximum":     maxSettleMS,
			"description": "Delay after the settings modal becomes visible, in milliseconds. Default 500.",
		},
		"theme_root": map[string]any{
			"type":        "string",
			"description": "CSS selector of the element carrying data-theme. Default body.",
		},
		"engine": map[string]any{
			"type":        "string",
			"enum":        []string{"playwright", "rod"},
			"description": "Browser automation engine. Default is the server's configured engine.",
		},
	}

	verifyProperties := make(map[string]any, len(planProperties)+1)
	for k, v := range planProperties {
		verifyProperties[k] = v
	}
	verifyProperties["report"] = map[string]any{
		"type":        "boolean",
		"description": "Also write report.md and report.html into output_dir.",
	}

	return []*mcp.Tool{
		{
			Name:        toolThemeVerify,
			Description: "Open a local HTML page in a headless browser, screenshot it (01_dark_mode.png), open the settings modal, flip the theme toggle, assert data-theme=\"light\" and screenshot again (02_light_mode.png). Returns the run result with artifact paths, or an error payload with code and failing step. Runs are serialized; concurrent calls wait.",
			InputSchema: map[string]any{
				"type":                 "object",
				"properties":           verifyProperties,
				"additionalProperties": false,
			},
		},
		{
			Name:        toolThemePlan,
			Description: "Return the verification plan theme_verify would execute for the given arguments, without launching a browser. Use it to check paths, selectors and defaults.",
			InputSchema: map[string]any{
				"type":                 "object",
				"properties":           planProperties,
				"additionalProperties": false,
			},
		},
	}
}
