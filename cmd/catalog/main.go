// Command catalog validates a surface catalog file and prints the declared
// surfaces. With no path it checks the embedded default catalog.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/fairyhunter13/ai-surface-visibility/internal/catalog"
)

func main() {
	path := flag.String("f", "", "catalog file to validate (empty = embedded default)")
	quiet := flag.Bool("q", false, "validate only, print nothing on success")
	flag.Parse()

	cat, err := catalog.Load(*path)
	if err != nil {
		log.Fatalf("catalog invalid: %v", err)
	}
	if *quiet {
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCATEGORY\tAUTH\tRPM\tMODEL")
	for _, s := range cat.All() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.Category, s.AuthRequirement, s.RateLimitRPM, s.DefaultModel)
	}
	if err := w.Flush(); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%d surfaces OK\n", cat.Len())
}
