package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mikey/secure-mail-gateway/internal/adapters/cli"
	"github.com/mikey/secure-mail-gateway/internal/di"
	"go.uber.org/zap"
)

func main() {
	flags := di.ParseFlags()

	container, err := di.BuildCLIContainer(flags)
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	if err := container.Invoke(run); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(flags *di.CLIFlags, scanner *cli.Scanner, logger *zap.Logger) error {
	defer logger.Sync()

	var input io.Reader = os.Stdin
	if flags.InputFile != "" {
		file, err := os.Open(flags.InputFile)
		if err != nil {
			return fmt.Errorf("failed to open input file: %w", err)
		}
		defer file.Close()
		input = file
		logger.Info("Reading message from file", zap.String("file", flags.InputFile))
	} else {
		logger.Info("Reading message from stdin")
	}

	_, err := scanner.Scan(context.Background(), input)
	return err
}
