package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/dmitrijs2005/shotkeeper/internal/flagx"
	"github.com/dmitrijs2005/shotkeeper/internal/server"
	"github.com/dmitrijs2005/shotkeeper/internal/server/config"
)

func main() {

	ctx := context.Background()

	var mint, addUser string
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&mint, "mint", "", "print an access token for the given user id and exit")
	fs.StringVar(&addUser, "add-user", "", "create or update a user (id,role[,displayName]) and exit")
	_ = fs.Parse(flagx.FilterArgs(os.Args[1:], []string{"-mint", "-add-user"}))

	cfg := config.LoadConfig()
	app, err := server.NewApp(ctx, cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	switch {
	case addUser != "":
		defer app.Close()
		u, err := app.AddUser(ctx, addUser)
		if err != nil {
			log.Printf("%v", err)
			return
		}
		fmt.Printf("saved %s (%s)\n", u.ID, u.Role)

	case mint != "":
		defer app.Close()
		tok, err := app.MintToken(ctx, mint)
		if err != nil {
			log.Printf("%v", err)
			return
		}
		fmt.Println(tok)

	default:
		app.Run(ctx)
	}

}
