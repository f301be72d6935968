/*
 * Copyright (c) 2025, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/socket"
	"golang.org/x/term"
)

func main() {

	// Define command-line parameters

	var configFilename string
	flag.StringVar(&configFilename, "config", "", "configuration input file (defaults apply when omitted)")

	var mode string
	flag.StringVar(&mode, "mode", "tcp", "example to run: udp, tcp or tls")

	var message string
	flag.StringVar(&message, "message", "hello", "udp and tcp echo message")

	var versionDetails bool
	flag.BoolVar(&versionDetails, "version", false, "print build information and exit")
	flag.BoolVar(&versionDetails, "v", false, "print build information and exit")

	flag.Parse()

	if versionDetails {
		printBuildInfo()
		os.Exit(0)
	}

	// Load configuration

	config, err := loadConfig(configFilename)
	if err != nil {
		fmt.Printf("error loading configuration: %s\n", err)
		os.Exit(1)
	}

	logger, err := common.NewContextLogger(config.LogLevel, os.Stderr)
	if err != nil {
		fmt.Printf("error initializing logger: %s\n", err)
		os.Exit(1)
	}

	logger.WithTraceFields(common.GetBuildInfo().ToLogFields()).Info("build info")

	// Run until the example completes or a signal is received

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {

	case "udp", "tcp":
		run := psiphon.RunTCPEcho
		if mode == "udp" {
			run = psiphon.RunUDPEcho
		}
		echo, err := run(ctx, config, logger, []byte(message))
		if err != nil {
			fmt.Printf("error running %s echo: %s\n", mode, err)
			os.Exit(1)
		}
		fmt.Printf("%s\n", echo)

	case "tls":
		if term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintf(os.Stderr, "enter messages, one per line; \"%s\" or end of input stops the server\n",
				psiphon.STOP_MESSAGE_PREFIX)
		}
		err := runChat(ctx, config, logger, os.Stdin, os.Stdout)
		if err != nil {
			fmt.Printf("error running tls chat: %s\n", err)
			os.Exit(1)
		}

	default:
		fmt.Printf("invalid mode: %s\n", mode)
		os.Exit(1)
	}
}

func loadConfig(configFilename string) (*psiphon.Config, error) {
	if configFilename == "" {
		return psiphon.LoadConfig([]byte("{}"))
	}
	return psiphon.LoadConfigFile(configFilename)
}

// runChat sends each input line to the chat server, which prints it to
// output. End of input sends a stop message.
func runChat(
	ctx context.Context,
	config *psiphon.Config,
	logger common.Logger,
	input io.Reader,
	output io.Writer) error {

	messages := make(chan []byte)

	go func() {
		defer close(messages)
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			line := truncateMessage(scanner.Text())
			select {
			case messages <- []byte(line):
			case <-ctx.Done():
				return
			}
			if strings.HasPrefix(line, psiphon.STOP_MESSAGE_PREFIX) {
				return
			}
		}
		select {
		case messages <- []byte(psiphon.STOP_MESSAGE_PREFIX):
		case <-ctx.Done():
		}
	}()

	return psiphon.RunTLSChat(
		ctx, config, logger, messages,
		func(peer socket.Address, message []byte) {
			fmt.Fprintf(output, "%s: %s\n", peer.String(), message)
		})
}

// truncateMessage shortens line to at most MAX_MESSAGE_LENGTH bytes without
// splitting a UTF-8 sequence.
func truncateMessage(line string) string {
	if len(line) <= psiphon.MAX_MESSAGE_LENGTH {
		return line
	}
	n := psiphon.MAX_MESSAGE_LENGTH
	for n > 0 && !utf8.RuneStart(line[n]) {
		n--
	}
	return line[:n]
}

func printBuildInfo() {

	b := common.GetBuildInfo()

	repoUrls := make([]string, 0, len(b.Dependencies))
	longestRepoUrl := 0
	for repoUrl := range b.Dependencies {
		repoUrls = append(repoUrls, repoUrl)
		if len(repoUrl) > longestRepoUrl {
			longestRepoUrl = len(repoUrl)
		}
	}
	sort.Strings(repoUrls)

	var printableDependencies strings.Builder
	for _, repoUrl := range repoUrls {
		fmt.Fprintf(&printableDependencies, "    %-*s  %s\n",
			longestRepoUrl, repoUrl, b.Dependencies[repoUrl])
	}

	fmt.Printf("Psiphon Console Sockets\n  Build Date: %s\n  Built With: %s\n  Repository: %s\n  Revision: %s\n  Dependencies:\n%s\n",
		b.BuildDate, b.GoVersion, b.BuildRepo, b.BuildRev, printableDependencies.String())
}
