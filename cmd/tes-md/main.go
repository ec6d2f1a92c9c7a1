package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"tes-profile-go/internal/output"
	"tes-profile-go/internal/persist"
)

func main() {
	var (
		dir   = flag.String("dir", "/nsls2/data/tes/shared/config/runengine-metadata", "Metadata directory")
		codec = flag.String("codec", "msgpack", "Value codec: msgpack or cbor")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] list | get KEY | set KEY JSON | delete KEY\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	c, err := persist.CodecByName(*codec)
	if err != nil {
		log.Fatal(err)
	}

	err = persist.Session(*dir, func(md *persist.Dict) error {
		switch args[0] {
		case "list":
			return printJSON(md.Items())
		case "get":
			if len(args) != 2 {
				return fmt.Errorf("get needs KEY")
			}
			v, err := md.Get(args[1])
			if err != nil {
				return err
			}
			return printJSON(v)
		case "set":
			if len(args) != 3 {
				return fmt.Errorf("set needs KEY JSON")
			}
			var v any
			if err := json.Unmarshal([]byte(args[2]), &v); err != nil {
				return fmt.Errorf("parse value: %w", err)
			}
			return md.Set(args[1], v)
		case "delete":
			if len(args) != 2 {
				return fmt.Errorf("delete needs KEY")
			}
			return md.Delete(args[1])
		default:
			return fmt.Errorf("unknown command %q", args[0])
		}
	}, persist.WithCodec(c))
	if err != nil {
		log.Fatal(err)
	}
}

func printJSON(v any) error {
	pretty, err := json.MarshalIndent(output.NormalizeJSONValue(v), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
