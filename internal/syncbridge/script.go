package syncbridge

import _ "embed"

//go:embed apps_script.gs
var appsScript string

// ScriptTemplate returns the spreadsheet-side script users paste into the
// Apps Script editor of their sheet
func ScriptTemplate() string {
	return appsScript
}
