package output

import (
	"fmt"
	"strings"

	"github.com/jgoldverg/t2hproxy/backend"
	"github.com/pterm/pterm"
)

func humanizeSize(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// CredentialTable lays out credentials as table rows with passwords masked.
func CredentialTable(credList []backend.Credential) pterm.TableData {
	tableData := pterm.TableData{
		{"Name", "Type", "URL Prefix", "Username", "Password", "UUID"},
	}
	for _, cred := range credList {
		username, password := "", ""
		if c, ok := cred.(*backend.BasicAuthCredential); ok {
			username = c.Username
			password = maskSecret(c.Password)
		}
		tableData = append(tableData, []string{
			cred.GetName(),
			cred.GetType(),
			cred.GetUrl(),
			username,
			password,
			cred.GetUUID().String(),
		})
	}
	return tableData
}

func PrintCredentialTable(credList []backend.Credential) error {
	if len(credList) == 0 {
		pterm.Info.Println("no credentials stored")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(CredentialTable(credList)).Render()
}

// PrintDownloadSummary reports a finished `get`.
func PrintDownloadSummary(remote, dest string, written int64, expected int64, hasExpected bool) {
	rows := pterm.TableData{
		{"File", remote},
		{"Saved To", dest},
		{"Received", humanizeSize(uint64(written))},
	}
	if hasExpected {
		rows = append(rows, []string{"Announced Size", humanizeSize(uint64(expected))})
	}
	_ = pterm.DefaultTable.WithData(rows).Render()
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return strings.Repeat("*", 8)
}
