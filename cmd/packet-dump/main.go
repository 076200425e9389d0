// Command packet-dump classifies radio frames from the command line or
// stdin. Useful for checking captures without standing up the gateway.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/skyroute/drone-gateway/internal/packet"
)

func main() {
	frames := os.Args[1:]
	if len(frames) == 0 {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			frames = append(frames, line)
		}
		if err := sc.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "reading stdin: %v\n", err)
			os.Exit(1)
		}
	}

	bad := 0
	for _, f := range frames {
		p, err := packet.Parse(f)
		if err != nil {
			fmt.Printf("error\t-\t%v\n", err)
			bad++
			continue
		}
		if !p.IsValid() {
			fmt.Printf("invalid\t-\n")
			bad++
			continue
		}
		fmt.Printf("%s\t%s\n", p.Type, p.DroneID)
	}
	if bad > 0 {
		os.Exit(1)
	}
}
