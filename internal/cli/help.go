package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/schererja/hubctl/internal/hub"
)

// printHelp writes the command index grouped by category. With an argument
// only that category is listed.
func (a *app) printHelp(args []string) error {
	names, groups := a.reg.Categories()
	if len(args) > 0 {
		want := strings.ToLower(args[0])
		if _, ok := groups[want]; !ok {
			return hub.Usagef("unknown help category %q (available: %s)", args[0], strings.Join(names, ", "))
		}
		names = []string{want}
	}

	fmt.Fprintln(a.stdout, "usage: hubctl [global options] <command> [arguments]")
	tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(tw, "\n%s commands:\n", name)
		for _, c := range groups[name] {
			fmt.Fprintf(tw, "  %s\t%s\n", c.Verb, c.Summary)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "\nRun \"hubctl help <category>\" to list one category and \"hubctl <command> --help\" for command options.")
	return nil
}

// suggest returns the verb closest to verb by edit distance, or "" when
// nothing is close enough to be a likely typo.
func suggest(verb string, verbs []string) string {
	verb = strings.ToLower(verb)
	best, bestDist := "", -1
	for _, v := range verbs {
		if d := levenshtein(verb, v); bestDist < 0 || d < bestDist {
			best, bestDist = v, d
		}
	}
	if bestDist < 0 || bestDist > max(2, len(verb)/3) {
		return ""
	}
	return best
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
