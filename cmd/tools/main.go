package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"

	"relay-host/domain"
	"relay-host/repositories"
)

// Operator CLI for the verified-users table:
//
//	manage_verified -tenant acme list
//	manage_verified -tenant acme -user 12345 remove
//	manage_verified -tenant acme clear

type Config struct {
	BadgerFilepath string `envconfig:"BADGER_FILEPATH" required:"true"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"error"`
}

func main() {
	tenant := flag.String("tenant", "", "Tenant id to operate on")
	user := flag.Int64("user", 0, "User id (for remove)")
	flag.Parse()

	if *tenant == "" || flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: manage_verified -tenant <id> [-user <id>] list|remove|clear")
		os.Exit(2)
	}

	_ = godotenv.Load()
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		log.Fatal("Config error: ", err)
	}

	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.ERROR).
		WithBypassLockGuard(true))
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	repo := repositories.NewAdmissionRepository(db, logs.GetLoggerFromString(config.LogLevel))
	id := domain.TenantID(*tenant)

	switch flag.Arg(0) {
	case "list":
		listVerified(repo, id)
	case "remove":
		if *user == 0 {
			log.Fatal("remove requires -user")
		}
		if err := repo.Unverify(id, domain.UserID(*user)); err != nil {
			log.Fatal("Remove failed: ", err)
		}
		color.Green.Printf("User %d removed from %s\n", *user, id)
	case "clear":
		if err := repo.ClearVerified(id); err != nil {
			log.Fatal("Clear failed: ", err)
		}
		color.Green.Printf("All verified users cleared for %s\n", id)
	default:
		log.Fatalf("Unknown command %q", flag.Arg(0))
	}
}

func listVerified(repo repositories.IAdmissionRepository, tenant domain.TenantID) {
	users, err := repo.VerifiedUsers(tenant)
	if err != nil {
		log.Fatal("List failed: ", err)
	}
	if len(users) == 0 {
		color.Yellow.Printf("No verified users for %s\n", tenant)
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"User ID", "Name", "Username", "Verified At"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, u := range users {
		table.Append([]string{
			fmt.Sprintf("%d", u.User),
			u.Name,
			u.Username,
			u.VerifiedAt.Format("2006-01-02 15:04:05"),
		})
	}
	table.Render()
	color.Green.Printf("%d verified user(s)\n", len(users))
}
