package main

import (
	"fmt"

	"agentfleet/backend/app/services"

	"github.com/spf13/cobra"
)

type identityFlags struct {
	tenant string
	user   string
}

func (f *identityFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.tenant, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&f.user, "user", "", "User id")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("user")
}

func renderMeta(meta *services.SecretsMeta) string {
	yes := func(v bool) string {
		if v {
			return successStyle.Render("stored")
		}
		return mutedStyle.Render("-")
	}
	return renderTable(
		[]string{"Secret", "State"},
		[][]string{
			{"fly_api_token", yes(meta.HasFlyAPIToken)},
			{"llm_api_key", yes(meta.HasLLMAPIKey)},
			{"openai_api_key", yes(meta.HasOpenAIAPIKey)},
			{"telegram_bot_token", yes(meta.HasTelegramBotToken)},
			{"openclaw_gateway_token", yes(meta.HasOpenclawGatewayToken)},
		},
	)
}

func secretsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Inspect and change an agent's stored credentials",
	}
	cmd.AddCommand(secretsShowCmd(c), secretsSetCmd(c), secretsClearCmd(c))
	return cmd
}

func secretsShowCmd(c *cli) *cobra.Command {
	var id identityFlags
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show which secrets are stored (never their values)",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.load()
			if err != nil {
				return err
			}
			meta, err := app.Secrets.Meta(cmd.Context(), id.tenant, id.user)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if meta == nil {
				fmt.Fprintln(out, mutedStyle.Render("no secrets stored"))
				return nil
			}
			fmt.Fprintln(out, renderMeta(meta))
			return nil
		},
	}
	id.bind(cmd)
	return cmd
}

func secretsSetCmd(c *cli) *cobra.Command {
	var id identityFlags
	var fly, llm, openai, telegram, gateway string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store secrets; flags left out keep their value, an empty value removes it",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.load()
			if err != nil {
				return err
			}
			// Only flags given on the command line are sent.
			value := func(name string, v *string) *string {
				if !cmd.Flags().Changed(name) {
					return nil
				}
				return v
			}
			meta, err := app.Secrets.Upsert(cmd.Context(), services.SecretsUpdate{
				TenantID:             id.tenant,
				UserID:               id.user,
				FlyAPIToken:          value("fly-api-token", &fly),
				LLMAPIKey:            value("llm-api-key", &llm),
				OpenAIAPIKey:         value("openai-api-key", &openai),
				TelegramBotToken:     value("telegram-bot-token", &telegram),
				OpenclawGatewayToken: value("openclaw-gateway-token", &gateway),
			}, app.Fleet.EncryptionKey)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderMeta(meta))
			return nil
		},
	}
	id.bind(cmd)
	cmd.Flags().StringVar(&fly, "fly-api-token", "", "Fly API token")
	cmd.Flags().StringVar(&llm, "llm-api-key", "", "LLM API key")
	cmd.Flags().StringVar(&openai, "openai-api-key", "", "OpenAI API key")
	cmd.Flags().StringVar(&telegram, "telegram-bot-token", "", "Telegram bot token")
	cmd.Flags().StringVar(&gateway, "openclaw-gateway-token", "", "Openclaw gateway token")
	return cmd
}

func secretsClearCmd(c *cli) *cobra.Command {
	var id identityFlags
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored secret of the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.load()
			if err != nil {
				return err
			}
			if err := app.Secrets.Clear(cmd.Context(), id.tenant, id.user); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsg("secrets cleared for %s:%s", id.tenant, id.user))
			return nil
		},
	}
	id.bind(cmd)
	return cmd
}
