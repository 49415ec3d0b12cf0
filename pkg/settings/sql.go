package settings

import "database/sql"

func buildCreateSettingsTable() string {
	return `CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL);`
}

func buildSelectSettingCommand() string {
	return `SELECT value FROM settings WHERE key = ?`
}

func buildUpsertSettingCommand() string {
	return `INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`
}

func processSelectSettingRows(rows *sql.Rows) (string, bool, error) {
	defer rows.Close()

	// only can be one row
	if rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return "", false, err
		}
		return value, true, nil
	}
	if err := rows.Err(); err != nil {
		return "", false, err
	}
	return "", false, nil
}
