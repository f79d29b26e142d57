// animaq is a read-only inspector for an agent's data directory. It
// opens the store files directly, so it answers even when the agent is
// stopped or wedged.
//
// Usage:
//
//	animaq [-n rows] [data-dir]
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

func main() {
	limit := flag.Int("n", 10, "episodes to sample")
	flag.Parse()

	dataDir := "data"
	if flag.NArg() > 0 {
		dataDir = flag.Arg(0)
	}
	memoryDir := filepath.Join(dataDir, "memory")
	if _, err := os.Stat(memoryDir); err != nil {
		fmt.Printf("No agent data under %s: %v\n", dataDir, err)
		os.Exit(1)
	}

	inspectEpisodes(filepath.Join(memoryDir, "episodic.db"), *limit)
	inspectVectors(filepath.Join(memoryDir, "vector.db"))
	inspectMessages(filepath.Join(memoryDir, "messages.db"))
	inspectProposals(filepath.Join(memoryDir, "proposals.db"))
	inspectArchives(filepath.Join(memoryDir, "archives"))
}

func openRO(path string) (*sql.DB, bool) {
	if _, err := os.Stat(path); err != nil {
		return nil, false
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Printf("Error opening %s: %v\n", path, err)
		return nil, false
	}
	return db, true
}

func inspectEpisodes(path string, limit int) {
	fmt.Println("=== episodes ===")
	db, ok := openRO(path)
	if !ok {
		fmt.Println("no episodic store yet")
		return
	}
	defer db.Close()

	var total int
	if err := db.QueryRow("SELECT COUNT(*) FROM episodes").Scan(&total); err != nil {
		fmt.Printf("Error counting episodes: %v\n", err)
		return
	}
	fmt.Printf("Total: %d\n", total)

	rows, err := db.Query("SELECT outcome, COUNT(*) FROM episodes GROUP BY outcome ORDER BY COUNT(*) DESC")
	if err == nil {
		for rows.Next() {
			var outcome string
			var n int
			rows.Scan(&outcome, &n)
			fmt.Printf("  %-20s %d\n", outcome, n)
		}
		rows.Close()
	}

	var errCount int
	db.QueryRow("SELECT COUNT(*) FROM errors").Scan(&errCount)
	fmt.Printf("Recorded errors: %d\n", errCount)

	rows, err = db.Query(
		"SELECT id, timestamp, event_type, description, outcome FROM episodes ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		fmt.Printf("Error sampling episodes: %v\n", err)
		return
	}
	defer rows.Close()

	fmt.Printf("\nMost recent %d:\n", limit)
	for rows.Next() {
		var id int64
		var ts, eventType, desc, outcome string
		if err := rows.Scan(&id, &ts, &eventType, &desc, &outcome); err != nil {
			fmt.Printf("Scan error: %v\n", err)
			continue
		}
		fmt.Printf("  %6d  %s  %-24s %-10s %s\n", id, ts, eventType, outcome, clip(desc, 60))
	}
}

func inspectVectors(path string) {
	fmt.Println("\n=== vectors ===")
	db, ok := openRO(path)
	if !ok {
		fmt.Println("no vector store yet")
		return
	}
	defer db.Close()

	var dims string
	db.QueryRow("SELECT value FROM meta WHERE key = 'dimensions'").Scan(&dims)

	var total int
	var watermark int64
	if err := db.QueryRow("SELECT COUNT(*), COALESCE(MAX(episode_id), 0) FROM vectors").Scan(&total, &watermark); err != nil {
		fmt.Printf("Error counting vectors: %v\n", err)
		return
	}
	fmt.Printf("Total: %d (%s dimensions, consolidated through episode %d)\n", total, dims, watermark)

	rows, err := db.Query("SELECT event_type, COUNT(*) FROM vectors GROUP BY event_type ORDER BY COUNT(*) DESC LIMIT 10")
	if err == nil {
		for rows.Next() {
			var eventType string
			var n int
			rows.Scan(&eventType, &n)
			fmt.Printf("  %-24s %d\n", eventType, n)
		}
		rows.Close()
	}
}

func inspectMessages(path string) {
	fmt.Println("\n=== messages ===")
	db, ok := openRO(path)
	if !ok {
		fmt.Println("no message bus (multi-agent disabled)")
		return
	}
	defer db.Close()

	rows, err := db.Query("SELECT status, COUNT(*) FROM messages GROUP BY status")
	if err != nil {
		fmt.Printf("Error counting messages: %v\n", err)
		return
	}
	empty := true
	for rows.Next() {
		var status string
		var n int
		rows.Scan(&status, &n)
		fmt.Printf("  %-12s %d\n", status, n)
		empty = false
	}
	rows.Close()
	if empty {
		fmt.Println("  queue is empty")
	}

	var dead int
	db.QueryRow("SELECT COUNT(*) FROM dead_letters").Scan(&dead)
	fmt.Printf("Dead letters: %d\n", dead)
}

func inspectProposals(path string) {
	fmt.Println("\n=== proposals ===")
	db, ok := openRO(path)
	if !ok {
		fmt.Println("no consensus ledger (multi-agent disabled)")
		return
	}
	defer db.Close()

	rows, err := db.Query("SELECT status, COUNT(*) FROM proposals GROUP BY status")
	if err != nil {
		fmt.Printf("Error counting proposals: %v\n", err)
		return
	}
	empty := true
	for rows.Next() {
		var status string
		var n int
		rows.Scan(&status, &n)
		fmt.Printf("  %-12s %d\n", status, n)
		empty = false
	}
	rows.Close()
	if empty {
		fmt.Println("  no proposals")
	}

	rows, err = db.Query("SELECT id, title, proposer FROM proposals WHERE status = 'active' LIMIT 5")
	if err == nil {
		for rows.Next() {
			var id, title, proposer string
			rows.Scan(&id, &title, &proposer)
			fmt.Printf("  active: %s  %q by %s\n", clip(id, 8), title, proposer)
		}
		rows.Close()
	}
}

func inspectArchives(dir string) {
	fmt.Println("\n=== archives ===")
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Println("no archives yet")
		return
	}

	found := false
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".db" {
			continue
		}
		found = true
		path := filepath.Join(dir, entry.Name())
		db, ok := openRO(path)
		if !ok {
			continue
		}
		var n int
		db.QueryRow("SELECT COUNT(*) FROM episodes").Scan(&n)
		db.Close()
		fmt.Printf("  %-28s %d episodes\n", entry.Name(), n)
	}
	if !found {
		fmt.Println("no archives yet")
	}
}

func clip(s string, max int) string {
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
