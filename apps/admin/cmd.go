package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"

	"github.com/trezcool/mahudhurio/core/attendance"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	db  *sql.DB
	svc *attendance.Service
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  migrate COMMAND [ARGS] - run DB migrations (up, up-by-one, up-to, down, down-to, redo, reset, status, version, create, fix)")
	fmt.Println("  setthreshold -term TERM -fraction FRACTION - set the current term's required attendance fraction")
	fmt.Println("  setplan -subject ID -total N [-code CODE] [-name NAME] - set a subject's planned class total")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	setThresholdCmd := flag.NewFlagSet("setthreshold", flag.ExitOnError)
	setThresholdTerm := setThresholdCmd.String("term", "", "The academic term, eg. 2025T1.")
	setThresholdFraction := setThresholdCmd.Float64("fraction", attendance.DefaultRequiredFraction, "The required attendance fraction in (0, 1].")

	setPlanCmd := flag.NewFlagSet("setplan", flag.ExitOnError)
	setPlanSubject := setPlanCmd.String("subject", "", "The subject ID.")
	setPlanTotal := setPlanCmd.Int("total", 0, "The total classes planned for the term.")
	setPlanCode := setPlanCmd.String("code", "", "The subject code.")
	setPlanName := setPlanCmd.String("name", "", "The subject name.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "setthreshold":
		if err := setThresholdCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *setThresholdTerm == "" {
			setThresholdCmd.Usage()
			return errHelp
		}
		return cli.setThreshold(*setThresholdTerm, *setThresholdFraction)
	case "setplan":
		if err := setPlanCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *setPlanSubject == "" {
			setPlanCmd.Usage()
			return errHelp
		}
		return cli.setPlan(*setPlanSubject, *setPlanCode, *setPlanName, *setPlanTotal)
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) setThreshold(term string, fraction float64) error {
	if fraction <= 0 || fraction > 1 {
		return fmt.Errorf("fraction must be in (0, 1] (got %v)", fraction)
	}
	th, err := cli.svc.SetThreshold(context.Background(), attendance.SetThreshold{Term: term, RequiredFraction: fraction})
	if err != nil {
		return err
	}
	fmt.Printf("threshold for term %q set to %v\n", th.Term, th.RequiredFraction)
	return nil
}

func (cli *commandLine) setPlan(subjectID, code, name string, total int) error {
	if total < 0 {
		return fmt.Errorf("total must be >= 0 (got %d)", total)
	}
	sub, err := cli.svc.SetPlan(context.Background(), subjectID, attendance.SetPlan{
		Code:                code,
		Name:                name,
		TotalClassesPlanned: total,
	})
	if err != nil {
		return err
	}
	fmt.Printf("subject %q planned total set to %d\n", sub.ID, sub.TotalClassesPlanned)
	return nil
}
