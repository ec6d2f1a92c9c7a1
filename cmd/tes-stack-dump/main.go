package main

import (
	"flag"
	"fmt"
	"log"

	"tes-profile-go/internal/stack"
)

func main() {
	var (
		path  = flag.String("path", "", "Path to a .stack or .h5 file")
		limit = flag.Int("limit", 5, "Number of frames to summarize")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("missing -path")
	}

	r, err := stack.OpenFile(*path)
	if err != nil {
		log.Fatalf("open stack: %v", err)
	}
	defer r.Close()

	h := r.Header()
	fmt.Printf("dataset: %s\n", h.Dataset)
	fmt.Printf("  dtype: %s\n", h.DType)
	fmt.Printf("  shape: %v\n", r.Shape())
	fmt.Printf("  compression: %s\n", h.Compression)
	fmt.Printf("  created: %s\n", h.Created)

	for i := 0; i < r.Len() && i < *limit; i++ {
		frame, err := r.Frame(i)
		if err != nil {
			log.Printf("frame %d: %v", i, err)
			continue
		}
		values, err := frame.Float64s()
		if err != nil {
			log.Printf("frame %d: %v", i, err)
			continue
		}
		fmt.Printf("frame %d: %s\n", i, summarize(values))
	}
}

func summarize(values []float64) string {
	if len(values) == 0 {
		return "empty"
	}
	lo, hi, sum := values[0], values[0], 0.0
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
		sum += v
	}
	return fmt.Sprintf("min=%g max=%g mean=%g", lo, hi, sum/float64(len(values)))
}
