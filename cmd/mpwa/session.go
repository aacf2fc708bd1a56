package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alfredjeanlab/maintpwa/internal/auth"
	"github.com/alfredjeanlab/maintpwa/internal/ui"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	Short:   "Sign in with email and password",
	GroupID: "session",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		email, password, err := credentials(email)
		if err != nil {
			return err
		}

		r, err := openRuntime(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer r.Close()

		if err := r.shell.Store().SignIn(cmd.Context(), email, password); err != nil {
			if errors.Is(err, auth.ErrInvalidCredentials) {
				return errors.New("invalid email or password")
			}
			return err
		}
		printSession(r.shell.Store().Session(), r.shell.Modes().Mode(), nil)
		return nil
	},
}

var signupCmd = &cobra.Command{
	Use:     "signup",
	Short:   "Register a new account",
	GroupID: "session",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		name, _ := cmd.Flags().GetString("name")
		data, _ := cmd.Flags().GetStringToString("data")

		email, password, err := credentials(email)
		if err != nil {
			return err
		}
		profile := make(map[string]any, len(data)+1)
		for k, v := range data {
			profile[k] = v
		}
		if name != "" {
			profile["full_name"] = name
		}

		r, err := openRuntime(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer r.Close()

		res, err := r.shell.Store().SignUp(cmd.Context(), email, password, profile)
		if err != nil {
			return err
		}
		printSignUp(res)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	Short:   "Sign out and forget the stored session",
	GroupID: "session",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRuntime(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer r.Close()

		if !r.shell.Store().Session().Authenticated() {
			fmt.Println("Not signed in.")
			return nil
		}
		// The local session is cleared even when the server call fails.
		if err := r.shell.Store().SignOut(cmd.Context()); err != nil {
			logger.Warn("sign-out request failed", "error", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show the current session and operating mode",
	GroupID: "session",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRuntime(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer r.Close()

		sess := r.shell.Store().Session()
		var user *auth.User
		if sess.Authenticated() {
			u, err := r.auth.User(cmd.Context())
			if err != nil {
				logger.Warn("fetching user", "error", err)
			} else {
				user = u
			}
		}
		printSession(sess, r.shell.Modes().Mode(), user)
		return nil
	},
}

func init() {
	loginCmd.Flags().String("email", "", "account email (prompted when empty)")

	signupCmd.Flags().String("email", "", "account email (prompted when empty)")
	signupCmd.Flags().String("name", "", "display name stored as full_name")
	signupCmd.Flags().StringToString("data", nil, "extra profile fields (key=value)")
}

// credentials fills in the email from stdin and the password from
// MPWA_PASSWORD or a terminal prompt.
func credentials(email string) (string, string, error) {
	if email == "" {
		e, err := ui.ReadLine(os.Stdin, "Email: ")
		if err != nil {
			return "", "", err
		}
		email = e
	}
	if p := os.Getenv("MPWA_PASSWORD"); p != "" {
		return email, p, nil
	}
	p, err := ui.ReadSecret("Password: ")
	if errors.Is(err, ui.ErrNotTerminal) {
		return "", "", errors.New("no terminal for the password prompt; set MPWA_PASSWORD")
	}
	if err != nil {
		return "", "", err
	}
	return email, p, nil
}
