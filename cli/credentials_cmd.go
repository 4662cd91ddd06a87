package cli

import (
	"errors"
	"os/user"

	"github.com/google/uuid"
	"github.com/jgoldverg/t2hproxy/backend"
	"github.com/jgoldverg/t2hproxy/cli/output"
	"github.com/jgoldverg/t2hproxy/internal"
	"github.com/spf13/cobra"
)

type AddCredentialOpts struct {
	URL            string
	CredentialName string
	Basic          BasicAuthCredentialOpts
}

type BasicAuthCredentialOpts struct {
	Username string
	Password string
}

type DeleteCredentialOpts struct {
	CredentialName string
	CredentialUUID string
}

// CredentialCommand manages the basic auth credentials the gateway attaches
// to upstream requests whose URL starts with the credential's URL prefix.
func CredentialCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credential",
		Short:   "Manage upstream credentials",
		Aliases: []string{"creds", "c"},
	}

	cmd.AddCommand(ListCredentialCommand())
	cmd.AddCommand(DeleteCredentialCommand())
	cmd.AddCommand(AddBasicCredentialCommand())
	return cmd
}

func openCredentialStore(cmd *cobra.Command) (*backend.TomlCredentialStorage, error) {
	cfg := GetAppConfig(cmd)
	if cfg == nil {
		return nil, errors.New("config unavailable")
	}
	store, err := backend.NewTomlCredentialStorage(cfg.CredentialsFile)
	if err != nil {
		internal.Error("failed to open credential store", internal.Fields{
			internal.CredentialPath: cfg.CredentialsFile,
			internal.FieldError:     err.Error(),
		})
		return nil, err
	}
	return store, nil
}

func AddBasicCredentialCommand() *cobra.Command {
	var opts AddCredentialOpts
	cmd := &cobra.Command{
		Use:   "add-basic",
		Long:  "Add a basic auth credential used for upstream URLs that start with --url",
		Short: "Add a basic auth credential for an upstream URL prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.URL == "" {
				return errors.New("must specify a URL prefix")
			}
			if opts.CredentialName == "" {
				return errors.New("must specify a credential name")
			}
			if opts.Basic.Username == "" {
				currentUser, err := user.Current()
				if err != nil {
					internal.Error("failed to get current user", internal.Fields{
						internal.FieldError: err.Error(),
					})
					return err
				}
				internal.Info("using current user for username", internal.Fields{
					internal.FieldKey("username"): currentUser.Username,
				})
				opts.Basic.Username = currentUser.Username
			}
			credential := &backend.BasicAuthCredential{
				Name:     opts.CredentialName,
				Username: opts.Basic.Username,
				Password: opts.Basic.Password,
				URL:      opts.URL,
				UUID:     uuid.New(),
			}
			if err := credential.Validate(); err != nil {
				return errors.New("Failed to validate basic-credential: " + err.Error())
			}
			if backend.BackendForURL(credential.URL) == backend.UnknownBackend {
				return errors.New("credential url must be http or https")
			}

			store, err := openCredentialStore(cmd)
			if err != nil {
				return err
			}
			if err := store.AddCredential(credential); err != nil {
				return err
			}
			output.NewPrinter().Success("credential added", internal.Fields{
				internal.FieldCredential:  credential.Name,
				internal.FieldURL:         credential.URL,
				internal.FieldKey("uuid"): credential.UUID.String(),
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.URL, "url", "", "Upstream URL prefix")
	cmd.Flags().StringVarP(&opts.CredentialName, "name", "n", "", "Credential name")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("name")
	cmd.Flags().StringVar(&opts.Basic.Username, "username", "", "Basic auth username")
	cmd.Flags().StringVar(&opts.Basic.Password, "password", "", "Basic auth password")
	return cmd
}

func ListCredentialCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls", "l"},
		Long:    "List credentials stored in the credential storage",
		Short:   "List credentials stored in the credential storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCredentialStore(cmd)
			if err != nil {
				return err
			}
			creds, err := store.ListCredentials()
			if err != nil {
				return errors.New("Failed to list the stored credentials: " + err.Error())
			}
			return output.PrintCredentialTable(creds)
		},
	}
	return cmd
}

func DeleteCredentialCommand() *cobra.Command {
	var deleteCredOpts DeleteCredentialOpts

	cmd := &cobra.Command{
		Use:     "delete",
		Aliases: []string{"rm", "d"},
		Long:    "Delete a credential from the configured credential store path",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deleteCredOpts.CredentialName == "" && deleteCredOpts.CredentialUUID == "" {
				return errors.New("must pass in either the credential name or the credential uuid")
			}
			store, err := openCredentialStore(cmd)
			if err != nil {
				return err
			}

			if deleteCredOpts.CredentialUUID != "" {
				parsed, parseErr := uuid.Parse(deleteCredOpts.CredentialUUID)
				if parseErr != nil {
					return errors.New("the credential uuid is not valid: " + parseErr.Error())
				}
				err = store.DeleteCredential(parsed)
			} else {
				err = store.DeleteCredentialByName(deleteCredOpts.CredentialName)
			}
			if err != nil {
				return err
			}
			output.NewPrinter().Success("credential deleted", internal.Fields{
				internal.FieldCredential:  deleteCredOpts.CredentialName,
				internal.FieldKey("uuid"): deleteCredOpts.CredentialUUID,
			})
			return nil
		},
	}

	cmd.Flags().StringVar(&deleteCredOpts.CredentialName, "name", "", "The name of the stored credential")
	cmd.Flags().StringVar(&deleteCredOpts.CredentialUUID, "uuid", "", "The uuid assigned to the credential")

	return cmd
}
