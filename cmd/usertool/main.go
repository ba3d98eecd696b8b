// usertool manages livedrive accounts offline, directly in the configured
// store. Stop the server first when using the json backend.
//
//	usertool [-config file] list
//	usertool [-config file] add [-priv] <name> <password>
//	usertool [-config file] del <name>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/fruitsalade/livedrive/internal/auth"
	"github.com/fruitsalade/livedrive/internal/config"
	"github.com/fruitsalade/livedrive/internal/logging"
	"github.com/fruitsalade/livedrive/internal/store"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: usertool [-config file] list | add [-priv] <name> <password> | del <name>")
	os.Exit(2)
}

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Usage = usage
	flag.Parse()

	if err := logging.Init(logging.Config{Level: "info", Format: "console"}); err != nil {
		panic("logging init: " + err.Error())
	}
	defer logging.Sync()

	if flag.NArg() < 1 {
		usage()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal("config error", zap.Error(err))
	}

	ctx := context.Background()
	persist, err := store.Open(ctx, store.Config{
		Backend:     cfg.DBBackend,
		Path:        cfg.DBPath,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		logging.Fatal("store open failed", zap.Error(err))
	}
	defer persist.Close()

	snap, err := persist.Load(ctx)
	if err != nil {
		logging.Fatal("store load failed", zap.Error(err))
	}
	users := auth.NewStore(persist, snap, auth.Options{TTL: cfg.SessionTTL})

	args := flag.Args()
	switch args[0] {
	case "list":
		names := users.UserNames()
		sort.Strings(names)
		privileged := users.Users()
		for _, name := range names {
			mark := ""
			if privileged[name] {
				mark = " (privileged)"
			}
			fmt.Printf("%s%s\n", name, mark)
		}

	case "add":
		fs := flag.NewFlagSet("add", flag.ExitOnError)
		priv := fs.Bool("priv", false, "Grant privileges")
		fs.Parse(args[1:])
		if fs.NArg() != 2 {
			usage()
		}
		name, pass := fs.Arg(0), fs.Arg(1)
		created, err := users.AddOrUpdateUser(ctx, name, pass, *priv)
		if err != nil {
			logging.Fatal("add user failed", zap.String("user", name), zap.Error(err))
		}
		if created {
			logging.Info("user added", zap.String("user", name), zap.Bool("privileged", *priv))
		} else {
			logging.Info("user updated", zap.String("user", name), zap.Bool("privileged", *priv))
		}

	case "del":
		if len(args) != 2 {
			usage()
		}
		if err := users.DeleteUser(ctx, args[1]); err != nil {
			logging.Fatal("delete user failed", zap.String("user", args[1]), zap.Error(err))
		}
		logging.Info("user deleted", zap.String("user", args[1]))

	default:
		usage()
	}
}
