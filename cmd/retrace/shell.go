package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"

	"github.com/retracesoftware/retrace/query"
	"github.com/retracesoftware/retrace/trace"
)

const shellHelp = `commands:
  step <counter>              run to instruction and list frames
  frames <counter>            list frames at a step
  locals <frame> [counter]    inspect one frame's bindings
  prov <tok> [depth]          back-walk provenance from a token
  search <pattern>            find variable writes by glob pattern
  source <code> <line> [ctx]  show guest source around a line
  help                        this text
  quit                        leave the shell`

// runShell drives the interactive query loop over one session.
func runShell(svc *query.Service, session string) error {
	prompt := "retrace> "
	if isatty.IsTerminal(os.Stdout.Fd()) {
		prompt = "\033[32mretrace>\033[0m "
	}
	rl, err := readline.New(prompt)
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			return nil
		case "help":
			fmt.Println(shellHelp)
		default:
			if err := dispatch(svc, session, fields); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
		}
	}
}

func dispatch(svc *query.Service, session string, fields []string) error {
	switch fields[0] {
	case "step", "frames":
		if len(fields) < 2 {
			return fmt.Errorf("usage: %s <counter>", fields[0])
		}
		counter, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return err
		}
		var frames []query.FrameInfo
		if fields[0] == "step" {
			frames, err = svc.RunToInstruction(session, counter)
		} else {
			frames, err = svc.ListFramesAtStep(session, counter)
		}
		if err != nil {
			return err
		}
		for _, fr := range frames {
			state := "live"
			if !fr.Live {
				state = fmt.Sprintf("exited@%d", fr.ExitCounter)
			}
			fmt.Printf("frame %d  code=%d %s  entered@%d  %s\n", fr.Ord, fr.CodeID, fr.SourcePath, fr.EntryCounter, state)
		}
		return nil

	case "locals":
		if len(fields) < 2 {
			return fmt.Errorf("usage: locals <frame> [counter]")
		}
		frameOrd, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return err
		}
		counter := uint64(0)
		if len(fields) > 2 {
			if counter, err = strconv.ParseUint(fields[2], 10, 64); err != nil {
				return err
			}
		}
		locals, err := svc.InspectStack(session, frameOrd, counter)
		if err != nil {
			return err
		}
		for name, l := range locals {
			fmt.Printf("%-16s %-20s %s\n", name, l.Tok, l.Repr)
		}
		return nil

	case "prov":
		if len(fields) < 2 {
			return fmt.Errorf("usage: prov <tok> [depth]")
		}
		raw, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return err
		}
		depth := 0
		if len(fields) > 2 {
			if depth, err = strconv.Atoi(fields[2]); err != nil {
				return err
			}
		}
		dag, err := svc.TraceProvenance(session, trace.Tok(raw), depth)
		if err != nil {
			return err
		}
		for _, tok := range dag.Order {
			n := dag.Nodes[tok]
			indent := strings.Repeat("  ", n.Depth)
			label := n.Opcode.Name()
			if n.Ext != nil {
				label = fmt.Sprintf("%s [%s]", label, n.Ext.Callee)
			}
			fmt.Printf("%s%s %s kind=%s\n", indent, n.Tok, label, n.Kind)
		}
		if dag.Truncated {
			fmt.Println("(walk truncated at depth bound)")
		}
		return nil

	case "search":
		if len(fields) < 2 {
			return fmt.Errorf("usage: search <pattern>")
		}
		hits, err := svc.SearchVariables(session, fields[1])
		if err != nil {
			return err
		}
		for _, h := range hits {
			fmt.Printf("@%d frame=%d %-16s %s\n", h.Counter, h.Frame, h.Name, h.Tok)
		}
		return nil

	case "source":
		if len(fields) < 3 {
			return fmt.Errorf("usage: source <code> <line> [context]")
		}
		codeID, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return err
		}
		line, err := strconv.Atoi(fields[2])
		if err != nil {
			return err
		}
		contextLines := 2
		if len(fields) > 3 {
			if contextLines, err = strconv.Atoi(fields[3]); err != nil {
				return err
			}
		}
		snippet, err := svc.GetSource(session, uint32(codeID), line, contextLines)
		if err != nil {
			return err
		}
		for i, text := range snippet.Lines {
			fmt.Printf("%5d | %s\n", snippet.StartLine+i, text)
		}
		return nil
	}
	return fmt.Errorf("unknown command %q (try help)", fields[0])
}
