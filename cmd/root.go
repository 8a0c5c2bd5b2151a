package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "prospector"}

	root.AddCommand(serveCMD(), researchCMD(), migrateCMD())
	_ = root.Execute()
}
