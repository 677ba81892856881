// labeltool reviews a recorded dataset from the command line: it samples frames
// the same way the web UI does, applies remaps and exclusions, and writes the
// corrected labels as a zip.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/akamensky/argparse"
	"github.com/dj-oyu/chickeye-monitor/internal/categories"
	"github.com/dj-oyu/chickeye-monitor/internal/labelsession"
	"github.com/dj-oyu/chickeye-monitor/internal/logger"
)

func check(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "labeltool: %v\n", err)
		os.Exit(1)
	}
}

type remap struct {
	frame    string
	det      int
	category string
}

// parseRemap reads "<frame id>:<detection>:<category name>".
func parseRemap(s string) (remap, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return remap{}, fmt.Errorf("remap %q: want frame:detection:category", s)
	}
	det, err := strconv.Atoi(parts[1])
	if err != nil {
		return remap{}, fmt.Errorf("remap %q: %w", s, err)
	}
	return remap{frame: parts[0], det: det, category: parts[2]}, nil
}

func main() {
	parser := argparse.NewParser("labeltool", "Review and export a recorded label dataset")
	input := parser.String("i", "input", &argparse.Options{Help: "Dataset directory containing frames/ and detections/", Required: true})
	output := parser.String("o", "output", &argparse.Options{Help: "Output zip (default: labels-<session>.zip)", Required: false})
	catsFile := parser.String("c", "categories", &argparse.Options{Help: "Categories YAML (default: built-in list)", Required: false})
	seed := parser.Int("", "seed", &argparse.Options{Help: "Sampling seed (0 = random)", Required: false, Default: 0})
	remaps := parser.StringList("r", "remap", &argparse.Options{Help: "Reassign a detection: frame:detection:category (repeatable)", Required: false})
	excludes := parser.StringList("x", "exclude", &argparse.Options{Help: "Frame id to leave out of the export (repeatable)", Required: false})
	images := parser.Flag("", "images", &argparse.Options{Help: "Include frame images in the archive"})
	dataYAML := parser.Flag("", "yaml", &argparse.Options{Help: "Include data.yaml"})
	list := parser.Flag("l", "list", &argparse.Options{Help: "List sampled frames and exit"})
	verbose := parser.Flag("v", "verbose", &argparse.Options{Help: "Debug logging"})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	level := logger.INFO
	if *verbose {
		level = logger.DEBUG
	}
	logger.Init(level, os.Stderr, true)

	cats := categories.Default()
	if *catsFile != "" {
		var err error
		cats, err = categories.LoadFile(*catsFile)
		check(err)
	}

	src := int64(*seed)
	if src == 0 {
		src = time.Now().UnixNano()
	}
	session := labelsession.New(cats, labelsession.WithRand(rand.New(rand.NewSource(src))))

	files, err := labelsession.FilesFromFS(os.DirFS(*input))
	check(err)
	n, err := session.Import(files)
	check(err)
	if n == 0 {
		check(fmt.Errorf("no labeled frames under %s", *input))
	}

	if *list {
		for i := 0; i < session.Len(); i++ {
			f, err := session.Frame(i)
			check(err)
			fmt.Printf("%s\t%s\t%d detections\n", f.ID, f.ImagePath, len(f.Detections))
		}
		return
	}

	for _, r := range *remaps {
		rm, err := parseRemap(r)
		check(err)
		i, err := session.Seek(rm.frame)
		check(err)
		effective, err := session.Remap(i, rm.det, rm.category)
		check(err)
		logger.Info("Labels", "%s#%d -> %s", rm.frame, rm.det, cats.Name(effective))
	}
	for _, id := range *excludes {
		_, err := session.Seek(id)
		check(err)
		session.Exclude()
	}

	path := *output
	if path == "" {
		path = session.Filename()
	}
	f, err := os.Create(path)
	check(err)
	_, err = session.Export(f, labelsession.ExportOptions{IncludeImages: *images, IncludeDatasetYAML: *dataYAML})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	check(err)
	fmt.Printf("%s: %d of %d frames\n", path, session.Kept(), session.Total())
}
