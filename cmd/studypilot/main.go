package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	var root = &cobra.Command{Use: "studypilot"}
	root.AddCommand(serveCMD(), workerCMD(), migrateCMD(), tokenCMD())
	_ = root.Execute()
}
