package run

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"gorm.io/gorm"

	"github.com/gocarina/gocsv"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
)

// FetchEnforcementActions reads the daemon's audit trail, newest first. An
// empty accountID returns actions for every account.
func FetchEnforcementActions(db *gorm.DB, accountID string, limit int) ([]*eventmodels.EnforcementAction, error) {
	query := db.Model(&eventmodels.EnforcementAction{}).Order("dispatched_at desc")

	if accountID != "" {
		query = query.Where("account_id = ?", accountID)
	}

	if limit > 0 {
		query = query.Limit(limit)
	}

	var actions []*eventmodels.EnforcementAction
	if err := query.Find(&actions).Error; err != nil {
		return nil, fmt.Errorf("FetchEnforcementActions: failed to query enforcement actions: %w", err)
	}

	return actions, nil
}

func RenderEnforcementActions(actions []*eventmodels.EnforcementAction) string {
	display := &strings.Builder{}

	table := tablewriter.NewWriter(display)
	table.SetHeader([]string{"Dispatched", "Account", "Rule", "Action", "Status", "Reason"})
	table.SetAlignment(tablewriter.ALIGN_CENTER)
	table.SetColumnSeparator("")

	for _, action := range actions {
		table.Append([]string{
			action.DispatchedAt.Format(time.RFC3339),
			action.AccountID,
			action.RuleName,
			string(action.Action),
			string(action.Status),
			action.Reason,
		})
	}

	table.Render()
	return display.String()
}

func ExportToCsv(inDir string, actions []*eventmodels.EnforcementAction, outFilePrefix string) (string, error) {
	now := time.Now()
	outFilePath := path.Join(inDir, fmt.Sprintf("%s_%s.csv", outFilePrefix, now.Format("2006-01-02_15-04-05")))

	// Create directory if it doesn't exist
	if _, err := os.Stat(inDir); os.IsNotExist(err) {
		if err := os.MkdirAll(inDir, os.ModePerm); err != nil {
			return "", fmt.Errorf("ExportToCsv: failed to create directory: %w", err)
		}
	}

	file, err := os.Create(outFilePath)
	if err != nil {
		return "", fmt.Errorf("ExportToCsv: failed to create file: %w", err)
	}
	defer file.Close()

	gocsv.SetCSVWriter(func(out io.Writer) *gocsv.SafeCSVWriter {
		writer := csv.NewWriter(out)
		writer.Comma = ','
		return gocsv.NewSafeCSVWriter(writer)
	})

	if err := gocsv.MarshalFile(&actions, file); err != nil {
		return "", fmt.Errorf("ExportToCsv: failed to write to file: %w", err)
	}

	return outFilePath, nil
}

func setAccountTimestamp(db *gorm.DB, accountID string, column string, until *time.Time) error {
	var state eventmodels.AccountState
	if err := db.Where("account_id = ?", accountID).First(&state).Error; err != nil {
		return fmt.Errorf("setAccountTimestamp: failed to load account state for %s: %w", accountID, err)
	}

	if err := db.Model(&state).Update(column, until).Error; err != nil {
		return fmt.Errorf("setAccountTimestamp: failed to update %s for %s: %w", column, accountID, err)
	}

	return nil
}

// SetLockout writes or clears LockoutUntil on an account's persisted state.
// Passing nil clears the lockout. The daemon picks the change up on its next
// read of the row.
func SetLockout(db *gorm.DB, accountID string, until *time.Time) error {
	return setAccountTimestamp(db, accountID, "lockout_until", until)
}

// SetCooldown writes or clears CooldownUntil, the softer sibling of a
// lockout.
func SetCooldown(db *gorm.DB, accountID string, until *time.Time) error {
	return setAccountTimestamp(db, accountID, "cooldown_until", until)
}
