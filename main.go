// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("📒 recordsync - Offline-First Student Records Cache")
	fmt.Println("===================================================")
	fmt.Println()
	fmt.Println("recordsync keeps a student's violation and attendance records in a local SQLite cache,")
	fmt.Println("syncs them in the background and queues acknowledgments made while offline.")
	fmt.Println()

	fmt.Println("📚 Packages:")
	fmt.Println()
	fmt.Println("1. 🗄️  recordsqlite/")
	fmt.Println("   Client cache: freshness checks, sync coordinator, pending acknowledgments,")
	fmt.Println("   profile image cache, adaptive scheduler and housekeeping")
	fmt.Println()
	fmt.Println("2. 🌐 recordsync/")
	fmt.Println("   Wire types, JWT auth and reference HTTP handlers for the records API")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Records Server (examples/recordserver/)")
	fmt.Println("   In-memory records API with seeded students, JWT auth and Prometheus metrics")
	fmt.Println("   Run: go run ./examples/recordserver")
	fmt.Println()

	fmt.Println("2. 📱 Student App (examples/studentapp/)")
	fmt.Println("   CLI client: sync, list records, acknowledge and run offline scenarios")
	fmt.Println("   Run: go run ./examples/studentapp simulate --scenario all")
	fmt.Println()
}
