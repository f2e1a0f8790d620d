package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// withSession opens a session for the duration of fn.
func withSession(cmd *cobra.Command, v *viper.Viper, fn func(*session) error) error {
	s, err := loadSettings(v)
	if err != nil {
		return err
	}
	sess, err := openSession(s, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := sess.Close(); closeErr != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "closing gate state:", closeErr)
		}
	}()
	return fn(sess)
}

func newSendCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message and print the reply",
		Long: `Send one message and print the reply.
If no message is provided as an argument, it reads from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var message string
			if len(args) > 0 {
				message = strings.Join(args, " ")
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading from stdin: %w", err)
				}
				message = string(data)
			}
			if strings.TrimSpace(message) == "" {
				return fmt.Errorf("message is empty")
			}

			return withSession(cmd, v, func(s *session) error {
				return s.Send(cmd.Context(), message, "")
			})
		},
	}
}

func newChatCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: `Start an interactive conversation.
Commands: /status shows the message gate, /unlock <secret> lifts it, /quit exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, v, func(s *session) error {
				return repl(cmd, s)
			})
		},
	}
}

func repl(cmd *cobra.Command, s *session) error {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	prefix := s.persona.Name + ": "
	if greeting := s.Greeting(); greeting != "" {
		fmt.Fprintln(out, prefix+greeting)
	}

	sc := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())

		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/status":
			st, err := s.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(out, st)
		case strings.HasPrefix(line, "/unlock"):
			secret := strings.TrimSpace(strings.TrimPrefix(line, "/unlock"))
			if err := s.Unlock(cmd.Context(), secret); err != nil {
				fmt.Fprintln(errOut, err)
			}
		default:
			if err := s.Send(cmd.Context(), line, prefix); err != nil {
				fmt.Fprintln(errOut, err)
			}
		}
		if err := cmd.Context().Err(); err != nil {
			return nil
		}
	}
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the message gate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, v, func(s *session) error {
				st, err := s.Status(cmd.Context())
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
}

func newUnlockCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <secret>",
		Short: "Lift the message gate with the unlock secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, v, func(s *session) error {
				return s.Unlock(cmd.Context(), args[0])
			})
		},
	}
}
