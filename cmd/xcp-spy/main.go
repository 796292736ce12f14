// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command xcp-spy is an interactive master-side console to poke at an
// XCP slave: connect, inspect memory, configure DAQ lists and watch
// the acquired data stream.
package main // import "github.com/go-daq/xcp/cmd/xcp-spy"

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("xcp-spy: ")
	log.SetFlags(0)

	var (
		addrFlag = flag.String("addr", "127.0.0.1:5555", "address of the XCP slave")
		netFlag  = flag.String("net", "udp", "transport network (udp or tcp)")
	)
	flag.Parse()

	cli, err := dial(*netFlag, *addrFlag)
	if err != nil {
		log.Fatalf("could not dial slave: %+v", err)
	}
	defer cli.close()

	term := liner.NewLiner()
	defer term.Close()
	term.SetCtrlCAborts(true)

	log.Printf("talking to %s://%s (type 'help' for commands)", *netFlag, *addrFlag)
	for {
		line, err := term.Prompt("xcp> ")
		if err != nil {
			if err == io.EOF || err == liner.ErrPromptAborted {
				fmt.Println()
				return
			}
			log.Fatalf("could not read line: %+v", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		args := strings.Fields(line)
		if args[0] == "quit" || args[0] == "exit" {
			return
		}
		err = cli.run(os.Stdout, args)
		if err != nil {
			log.Printf("error: %+v", err)
		}
	}
}
