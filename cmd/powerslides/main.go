package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tcriess/powerslides/config"
	"github.com/tcriess/powerslides/filter"
	"github.com/tcriess/powerslides/globals"
	"github.com/tcriess/powerslides/pairing"
	"github.com/tcriess/powerslides/peer"
	"github.com/tcriess/powerslides/persistence"
	"github.com/tcriess/powerslides/presenter"
	"github.com/tcriess/powerslides/protocol"
	"github.com/tcriess/powerslides/remote"
)

// A small CLI for both ends of a powerslides session: it presents an
// in-memory deck or remote-controls a presentation by pairing code.

var (
	configPath   string
	globalConfig *config.Config
)

func main() {
	log.SetFlags(0)

	flagSet := config.GetFlagSet()
	var rootCmd = &cobra.Command{
		Use:          "powerslides",
		Short:        "Presentation remote control",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			globalConfig, err = config.ReadConfiguration(configPath, flagSet)
			if err != nil {
				return err
			}
			globals.SetLogLevel(globalConfig.LogLevel)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file or directory")
	rootCmd.PersistentFlags().AddFlagSet(flagSet)

	var cmdCode = &cobra.Command{
		Use:   "code",
		Short: "Generate or check pairing codes",
	}
	var cmdCodeGenerate = &cobra.Command{
		Use:   "generate",
		Short: "Generate a pairing code",
		Long:  `generate prints a fresh pairing code, valid for a few minutes.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := pairing.Generate()
			if err != nil {
				return err
			}
			fmt.Println(session.Code)
			return nil
		},
	}
	var cmdCodeCheck = &cobra.Command{
		Use:   "check [code]",
		Short: "Check a pairing code",
		Long:  `check parses a pairing code and prints the room it pairs with.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, err := pairing.Parse(args[0])
			if err != nil {
				fmt.Println(pairing.Remediation(err))
				return err
			}
			fmt.Printf("%s -> room %s\n", pairing.Format(cred.SlideID), pairing.DeriveRoomName(cred.SlideID))
			return nil
		},
	}
	cmdCode.AddCommand(cmdCodeGenerate, cmdCodeCheck)

	var (
		title  string
		slides int
	)
	var cmdPresent = &cobra.Command{
		Use:   "present",
		Short: "Present an in-memory deck",
		Long: `present publishes a deck of numbered slides to the relay and prints the pairing code remotes
connect with. A stored session is resumed if there is one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPresent(cmd.Context(), title, slides)
		},
	}
	cmdPresent.Flags().StringVar(&title, "title", "Untitled presentation", "presentation title")
	cmdPresent.Flags().IntVar(&slides, "slides", 10, "number of slides")

	var cmdRemote = &cobra.Command{
		Use:   "remote [code]",
		Short: "Remote-control a presentation",
		Long: `remote pairs with a presenter and reads commands from stdin:
  n  next slide
  p  previous slide
  s  start presentation
  r  refresh
  q  quit
Full command names (next, previous, open_present, start_presentation) are
accepted as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemote(cmd.Context(), args[0])
		},
	}

	rootCmd.AddCommand(cmdCode, cmdPresent, cmdRemote)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func peerOptions() peer.Options {
	return peer.Options{
		URL:         globalConfig.WebsocketURL,
		BaseDelay:   globalConfig.Reconnect.BaseDelay,
		MaxDelay:    globalConfig.Reconnect.MaxDelay,
		DialTimeout: globalConfig.Reconnect.DialTimeout,
		Logger:      globals.AppLogger,
	}
}

func runPresent(ctx context.Context, title string, slides int) error {
	if globalConfig.WebsocketURL == "" {
		return peer.ErrNoURL
	}
	notes := make([]string, slides)
	for i := range notes {
		notes[i] = fmt.Sprintf("Speaker notes for slide %d", i+1)
	}
	deck := presenter.NewDeck(title, notes)

	store, err := persistence.NewBuntPersister(globalConfig.Presenter)
	if err != nil {
		return err
	}
	defer store.Close()

	commandFilter, err := filter.Compile(globalConfig.Presenter.CommandFilter)
	if err != nil {
		return err
	}

	agent, err := presenter.NewAgent(deck, presenter.Options{
		Peer:         peerOptions(),
		PollInterval: globalConfig.Presenter.PollInterval,
		DedupSize:    globalConfig.Presenter.DedupSize,
		Filter:       commandFilter,
		Store:        store,
		Logger:       globals.AppLogger,
	})
	if err != nil {
		return err
	}

	restored, err := agent.RestoreSession()
	if err != nil {
		globals.AppLogger.Warn("could not restore session", "error", err)
	}
	if !restored {
		session, err := pairing.Generate()
		if err != nil {
			return err
		}
		if err := agent.StartSession(session); err != nil {
			return err
		}
	}
	session, _ := agent.Session()
	fmt.Printf("pairing code: %s\n", session.PairingCode)

	<-ctx.Done()
	// keep the stored session so the next run resumes it
	agent.StopSession()
	if err := store.StoreSession(session); err != nil {
		globals.AppLogger.Error("could not keep session", "error", err)
	}
	return nil
}

func runRemote(ctx context.Context, code string) error {
	if globalConfig.WebsocketURL == "" {
		return peer.ErrNoURL
	}
	controller := remote.NewController(remote.Options{
		Peer:           peerOptions(),
		From:           globalConfig.Remote.From,
		LoadingTimeout: globalConfig.Remote.LoadingTimeout,
		Logger:         globals.AppLogger,
		OnState:        printState,
	})
	if _, err := controller.Pair(code); err != nil {
		fmt.Println(pairing.Remediation(err))
		return err
	}
	defer controller.Disconnect()
	fmt.Printf("paired as %q, commands: n p s r q\n", controller.From())

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			var err error
			switch line {
			case "n":
				err = controller.Next()
			case "p":
				err = controller.Previous()
			case "s":
				err = controller.StartPresentation()
			case "r":
				err = controller.Refresh()
			case "q":
				return nil
			case "":
				if d, ok := controller.PresentationDuration(); ok {
					fmt.Printf("presenting for %s\n", d.Truncate(time.Second))
				}
			default:
				typ, perr := protocol.ParseCommandType(line)
				if perr != nil {
					fmt.Println("unknown command, use n p s r q or a command name")
					continue
				}
				err = controller.SendCommand(typ)
			}
			if err != nil {
				fmt.Println(err)
			}
		}
	}
}

func printState(state protocol.StateSnapshot) {
	position := "-/-"
	if state.Current != nil && state.Total != nil {
		position = fmt.Sprintf("%d/%d", *state.Current, *state.Total)
	}
	var title, note string
	if state.Title != nil {
		title = *state.Title
	}
	if state.SpeakerNote != nil {
		note = *state.SpeakerNote
	}
	fmt.Printf("[%s] %s\n  %s\n", position, title, note)
}
