package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/splax/launchpad/internal/service/deploy"
	apiclient "github.com/splax/launchpad/pkg/api/client"
	"github.com/splax/launchpad/pkg/config"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "deploy":
		err = commandDeploy(args)
	case "list":
		err = commandList(args)
	case "status":
		err = commandStatus(args)
	case "cancel":
		err = commandCancel(args)
	case "delete":
		err = commandDelete(args)
	case "templates":
		err = commandTemplates(args)
	case "check-name":
		err = commandCheckName(args)
	case "connect":
		err = commandConnect(args)
	case "disconnect":
		err = commandDisconnect(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// session is an authenticated API client plus the settings it was built from.
type session struct {
	client  *apiclient.Client
	token   string
	timeout time.Duration
	wait    time.Duration
}

func newSession() (session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return session{}, err
	}
	env := config.LoadCLIConfig()
	if env.APIBaseURL != "" {
		cfg.APIBaseURL = env.APIBaseURL
	}
	if env.AccessToken != "" {
		cfg.AccessToken = env.AccessToken
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return session{}, errors.New("please login first using 'launch login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return session{}, err
	}
	return session{client: client, token: token, timeout: env.RequestTimeout, wait: env.WaitInterval}, nil
}

func (s session) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "API access token (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	fs.Parse(args)

	secret, err := readSecret("Access token: ", *token)
	if err != nil {
		return err
	}
	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	} else if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:4000"
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := client.ListDeployments(ctx, secret); err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	cfg.AccessToken = secret
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

type envFlags []apiclient.EnvVar

func (e *envFlags) String() string {
	keys := make([]string, 0, len(*e))
	for _, v := range *e {
		keys = append(keys, v.Key)
	}
	return strings.Join(keys, ",")
}

func (e *envFlags) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", value)
	}
	*e = append(*e, apiclient.EnvVar{Key: strings.TrimSpace(key), Value: val, Target: []string{"production", "preview", "development"}})
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	template := fs.String("template", "", "Template repository (owner/repo)")
	name := fs.String("name", "", "Project name (lowercase letters, numbers and hyphens); defaults to the template name")
	description := fs.String("description", "", "Repository description")
	githubToken := fs.String("github-token", "", "GitHub token to use when no connection is stored")
	vercelToken := fs.String("vercel-token", "", "Vercel token to use when no connection is stored")
	wait := fs.Bool("wait", false, "Wait until the deployment finishes")
	var env envFlags
	fs.Var(&env, "env", "Environment variable KEY=VALUE (repeatable)")
	fs.Parse(args)

	if strings.TrimSpace(*template) == "" {
		return errors.New("--template is required")
	}
	if strings.TrimSpace(*name) == "" {
		*name = defaultProjectName(*template)
		if *name == "" {
			return errors.New("--name is required")
		}
		fmt.Printf("using project name %q\n", *name)
	}
	s, err := newSession()
	if err != nil {
		return err
	}
	ctx, cancel := s.context()
	defer cancel()
	result, err := s.client.Deploy(ctx, s.token, apiclient.DeployInput{
		TemplateRepo: *template,
		ProjectName:  *name,
		Description:  *description,
		GitHubToken:  *githubToken,
		VercelToken:  *vercelToken,
		Env:          env,
	})
	if err != nil {
		if result.DeploymentID != "" {
			fmt.Printf("deployment %s failed at %s: %s\n", result.DeploymentID, result.Step, result.Error)
			if result.RequiresManualImport && result.RepoURL != "" {
				fmt.Printf("repository created at %s; import it into Vercel manually\n", result.RepoURL)
			}
			return errors.New("deployment failed")
		}
		return err
	}
	fmt.Printf("deployment started: %s\n", result.DeploymentID)
	fmt.Printf("  repository: %s\n", result.RepoURL)
	fmt.Printf("  project:    %s\n", result.ProjectURL)
	fmt.Printf("  url:        %s\n", result.DeploymentURL)
	if result.Binding == "unbound_unconnected" {
		fmt.Println("  note: connect the repository to the Vercel project manually to enable builds")
	}
	if !*wait {
		return nil
	}
	return waitForDeployment(s, result.DeploymentID)
}

func waitForDeployment(s session, id string) error {
	for {
		ctx, cancel := s.context()
		d, err := s.client.GetDeployment(ctx, s.token, id)
		cancel()
		if err != nil {
			return err
		}
		if d.Terminal() {
			printDeployment(d)
			if d.Status != "completed" {
				return fmt.Errorf("deployment %s", d.Status)
			}
			return nil
		}
		time.Sleep(s.wait)
	}
}

func commandList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	limit := fs.Int("limit", 0, "Maximum number of deployments to display")
	fs.Parse(args)

	s, err := newSession()
	if err != nil {
		return err
	}
	ctx, cancel := s.context()
	defer cancel()
	deployments, err := s.client.ListDeployments(ctx, s.token)
	if err != nil {
		return err
	}
	count := len(deployments)
	if *limit > 0 && *limit < count {
		count = *limit
	}
	for i := 0; i < count; i++ {
		d := deployments[i]
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", d.ID, d.ProjectName, d.Status, deref(d.HostingDeploymentURL), d.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	id := fs.String("deployment", "", "Deployment identifier")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--deployment is required")
	}
	s, err := newSession()
	if err != nil {
		return err
	}
	ctx, cancel := s.context()
	defer cancel()
	d, err := s.client.GetDeployment(ctx, s.token, *id)
	if err != nil {
		return err
	}
	printDeployment(d)
	return nil
}

func commandCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	id := fs.String("deployment", "", "Deployment identifier")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--deployment is required")
	}
	s, err := newSession()
	if err != nil {
		return err
	}
	ctx, cancel := s.context()
	defer cancel()
	d, err := s.client.CancelDeployment(ctx, s.token, *id)
	if err != nil {
		return err
	}
	fmt.Printf("deployment cancelled: %s status=%s\n", d.ID, d.Status)
	return nil
}

func commandDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	id := fs.String("deployment", "", "Deployment identifier")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--deployment is required")
	}
	s, err := newSession()
	if err != nil {
		return err
	}
	ctx, cancel := s.context()
	defer cancel()
	if err := s.client.DeleteDeployment(ctx, s.token, *id); err != nil {
		return err
	}
	fmt.Println("deployment deleted")
	return nil
}

func commandTemplates(args []string) error {
	fs := flag.NewFlagSet("templates", flag.ExitOnError)
	githubToken := fs.String("github-token", "", "GitHub token to use when no connection is stored")
	fs.Parse(args)

	s, err := newSession()
	if err != nil {
		return err
	}
	ctx, cancel := s.context()
	defer cancel()
	templates, err := s.client.ListTemplates(ctx, s.token, apiclient.Tokens{GitHub: *githubToken})
	if err != nil {
		return err
	}
	for _, tpl := range templates {
		fmt.Printf("%s\t%s\n", tpl.FullName, tpl.Description)
	}
	return nil
}

func commandCheckName(args []string) error {
	fs := flag.NewFlagSet("check-name", flag.ExitOnError)
	name := fs.String("name", "", "Project name")
	vercelToken := fs.String("vercel-token", "", "Vercel token to use when no connection is stored")
	fs.Parse(args)
	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	s, err := newSession()
	if err != nil {
		return err
	}
	ctx, cancel := s.context()
	defer cancel()
	check, err := s.client.CheckProjectName(ctx, s.token, *name, apiclient.Tokens{Vercel: *vercelToken})
	if err != nil {
		return err
	}
	if check.Available {
		fmt.Printf("%s is available\n", check.Name)
	} else {
		fmt.Printf("%s is taken\n", check.Name)
	}
	return nil
}

func commandConnect(args []string) error {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	provider := fs.String("provider", "", "Provider to connect (github|vercel)")
	token := fs.String("token", "", "Provider token (supply to avoid prompt)")
	fs.Parse(args)
	if strings.TrimSpace(*provider) == "" {
		return errors.New("--provider is required")
	}
	secret, err := readSecret(fmt.Sprintf("%s token: ", *provider), *token)
	if err != nil {
		return err
	}
	s, err := newSession()
	if err != nil {
		return err
	}
	ctx, cancel := s.context()
	defer cancel()
	conn, err := s.client.Connect(ctx, s.token, *provider, secret)
	if err != nil {
		return err
	}
	if conn.Username != "" {
		fmt.Printf("%s connected as %s\n", conn.Provider, conn.Username)
	} else {
		fmt.Printf("%s connected\n", conn.Provider)
	}
	return nil
}

func commandDisconnect(args []string) error {
	fs := flag.NewFlagSet("disconnect", flag.ExitOnError)
	provider := fs.String("provider", "", "Provider to disconnect (github|vercel)")
	fs.Parse(args)
	if strings.TrimSpace(*provider) == "" {
		return errors.New("--provider is required")
	}
	s, err := newSession()
	if err != nil {
		return err
	}
	ctx, cancel := s.context()
	defer cancel()
	if err := s.client.Disconnect(ctx, s.token, *provider); err != nil {
		return err
	}
	fmt.Printf("%s disconnected\n", *provider)
	return nil
}

func readSecret(prompt, supplied string) (string, error) {
	secret := strings.TrimSpace(supplied)
	if secret != "" {
		return secret, nil
	}
	fmt.Print(prompt)
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Print("\n")
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	secret = strings.TrimSpace(string(bytes))
	if secret == "" {
		return "", errors.New("token is required")
	}
	return secret, nil
}

func printDeployment(d apiclient.Deployment) {
	fmt.Printf("id:         %s\n", d.ID)
	fmt.Printf("project:    %s\n", d.ProjectName)
	fmt.Printf("template:   %s\n", d.TemplateRepo)
	fmt.Printf("status:     %s\n", d.Status)
	if url := deref(d.SourceRepoURL); url != "" {
		fmt.Printf("repository: %s\n", url)
	}
	if url := deref(d.HostingDeploymentURL); url != "" {
		fmt.Printf("url:        %s\n", url)
	}
	if msg := deref(d.Error); msg != "" {
		fmt.Printf("error:      %s\n", msg)
	}
	if step := deref(d.FailedStep); step != "" {
		fmt.Printf("step:       %s\n", step)
	}
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: "http://localhost:4000"}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:4000"
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "launchpad", "config.json"), nil
}

func printUsage() {
	fmt.Printf("launch CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	launch login [--token <jwt>] [--api http://localhost:4000]
	launch connect --provider github|vercel [--token <token>]
	launch disconnect --provider github|vercel
	launch templates [--github-token <token>]
	launch check-name --name <project-name> [--vercel-token <token>]
	launch deploy --template owner/repo --name <project-name> [--description text] [--env KEY=VALUE] [--wait]
	launch list [--limit N]
	launch status --deployment <deployment-id>
	launch cancel --deployment <deployment-id>
	launch delete --deployment <deployment-id>
	launch version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}

// defaultProjectName derives a valid project name from the repository part of template.
func defaultProjectName(template string) string {
	template = strings.TrimSpace(template)
	if i := strings.LastIndex(template, "/"); i >= 0 {
		template = template[i+1:]
	}
	name := deploy.NormalizeProjectName(template)
	if deploy.ValidateProjectName(name) != nil {
		return ""
	}
	return name
}
