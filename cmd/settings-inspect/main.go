package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fastapiex/settings-go/pkg/settings"
)

func main() {
	settingsPath := flag.String("f", "", "settings file or directory (default: environment controls)")
	envPrefix := flag.String("p", "", "environment key prefix, e.g. APP__")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	root, err := settings.Init(*settingsPath, *envPrefix)
	if err != nil {
		log.Fatalf("init settings: %v", err)
	}

	switch args[0] {
	case "get":
		if len(args) != 2 {
			usage()
			os.Exit(1)
		}
		value, err := settings.Resolve(args[1])
		if err != nil {
			log.Fatalf("resolve %s: %v", args[1], err)
		}
		printYAML(value)
	case "dump":
		printYAML(root.EffectiveView())
	default:
		usage()
		os.Exit(1)
	}
}

func printYAML(value any) {
	out, err := yaml.Marshal(value)
	if err != nil {
		log.Fatalf("encode value: %v", err)
	}
	fmt.Print(string(out))
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: settings-inspect [-f settings.yaml] [-p PREFIX__] <command>

commands:
  get <path>   resolve one dotted path and print it as YAML
  dump         print the whole effective view as YAML
`)
	flag.PrintDefaults()
}
