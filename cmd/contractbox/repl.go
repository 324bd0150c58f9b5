package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/contractbox/executor"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var replCmd = &cobra.Command{
	Use:   "repl [file]",
	Short: "Feed messages to a contract interactively",
	Long: `Start a contract that sets onmessage and send it one message per line.

Lines that parse as JSON are posted as that value, anything else as a
string. Values the contract posts back are printed as JSON.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)

Type 'exit' or 'quit' to close the contract's input, or press Ctrl+D.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRepl,
}

func init() {
	replCmd.Flags().StringP("code", "c", "", "Contract code")
	addContractFlags(replCmd)
	replCmd.Flags().String("history", "", "History file path (default: ~/.contractbox_history)")
	rootCmd.AddCommand(replCmd)
}

// messageValue turns one input line into the value to post.
func messageValue(line string) any {
	if json.Valid([]byte(line)) {
		return json.RawMessage(line)
	}
	return line
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".contractbox_history")
	}

	source, ok, err := readSource(cmd, args)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("contract code required: use --code or a file argument")
	}

	caps, err := capabilities(cmd)
	if err != nil {
		return err
	}
	exec := newExecutor(caps, nil)

	out := cmd.OutOrStdout()
	opts := append(contractOpts(cmd), executor.WithStdout(out))
	if !cmd.Flags().Changed("timeout") {
		opts = append(opts, executor.WithTimeout(0))
	}
	c := exec.NewContract(source, opts...)
	c.OnMessage(func(msg json.RawMessage) {
		fmt.Fprintf(out, "<- %s\n", msg)
	})
	if err := c.Start(context.Background()); err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "-> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		c.Kill()
		c.Wait()
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(os.Stderr, "contractbox REPL for contract %s (type 'exit' to quit, Ctrl+D to exit)\n", c.ID())

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := rl.Readline()
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
				}
				return
			}
			lines <- line
		}
	}()

loop:
	for {
		select {
		case line, more := <-lines:
			if !more {
				break loop
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "exit" || line == "quit" {
				break loop
			}
			if err := c.PostMessage(messageValue(line)); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				break loop
			}
		case <-c.Done():
			break loop
		}
	}

	if err := c.CloseInput(); err != nil {
		logger.Debug("close contract input", zap.Error(err))
	}
	result := c.Wait()
	if result.Error != nil {
		return result.Error
	}
	if result.Value != "" {
		fmt.Fprintln(out, result.Value)
	}
	return nil
}
