package sheets

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/TheMichaelB/expensync/internal/config"
)

// AuthorizeInteractive runs the out-of-band OAuth flow: it prints the consent
// URL, reads the code pasted by the user and saves the token.
func AuthorizeInteractive(ctx context.Context, cfg config.SheetsConfig, in io.Reader, out io.Writer) error {
	raw, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return fmt.Errorf("read google credentials: %w", err)
	}

	oauthCfg, err := google.ConfigFromJSON(raw, Scopes...)
	if err != nil {
		return fmt.Errorf("parse oauth client: %w", err)
	}

	url := oauthCfg.AuthCodeURL("expensync", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Fprintf(out, "Open this URL in a browser and grant access:\n\n  %s\n\nPaste the authorization code: ", url)

	code, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("read code: %w", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("no authorization code entered")
	}

	tok, err := oauthCfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}

	return SaveToken(cfg.TokenFile, tok)
}
