package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"launtelha/internal/provider"

	"github.com/spf13/cobra"
)

// portalAPI is the part of the portal client the commands use
type portalAPI interface {
	ListServices(ctx context.Context) ([]provider.Service, error)
	FetchBalance(ctx context.Context) (float64, bool, error)
	FetchCatalog(ctx context.Context, serviceID string) (provider.Catalog, error)
	FetchCatalogByAVC(ctx context.Context, avcID string) (provider.Catalog, string, error)
	FetchStatus(ctx context.Context, serviceID string) (provider.PlanStatus, error)
	RequestChange(ctx context.Context, serviceID, targetPlanID string) (provider.ChangeAck, error)
}

// serviceFlags selects a service by portal service id or AVC id
type serviceFlags struct {
	serviceID string
	avcID     string
}

func (f *serviceFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.serviceID, "service-id", "", "Service id")
	cmd.Flags().StringVar(&f.avcID, "avcid", "", "AVC id")
	cmd.MarkFlagsOneRequired("service-id", "avcid")
	cmd.MarkFlagsMutuallyExclusive("service-id", "avcid")
}

func servicesCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "services",
		Aliases: []string{"ls"},
		Short:   "List the services on the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.newClient()
			if err != nil {
				return err
			}
			return listServices(cmd.Context(), client, cmd.OutOrStdout())
		},
	}
}

func plansCmd(g *globalFlags) *cobra.Command {
	var sf serviceFlags
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "List the plans offered for a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.newClient()
			if err != nil {
				return err
			}
			return listPlans(cmd.Context(), client, sf, cmd.OutOrStdout())
		},
	}
	sf.bind(cmd)
	return cmd
}

func changePlanCmd(g *globalFlags) *cobra.Command {
	var (
		sf    serviceFlags
		label string
		psid  string
	)
	cmd := &cobra.Command{
		Use:   "change-plan",
		Short: "Request a plan change",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.newClient()
			if err != nil {
				return err
			}
			return changePlan(cmd.Context(), client, sf, label, psid, cmd.OutOrStdout())
		},
	}
	sf.bind(cmd)
	cmd.Flags().StringVar(&label, "label", "", "Target plan label, as shown by plans")
	cmd.Flags().StringVar(&psid, "psid", "", "Target plan id")
	cmd.MarkFlagsOneRequired("label", "psid")
	cmd.MarkFlagsMutuallyExclusive("label", "psid")
	return cmd
}

func balanceCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the account balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.newClient()
			if err != nil {
				return err
			}
			balance, ok, err := client.FetchBalance(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), muted("no balance shown on the account"))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "$%.2f\n", balance)
			return nil
		},
	}
}

func listServices(ctx context.Context, client portalAPI, w io.Writer) error {
	services, err := client.ListServices(ctx)
	if err != nil {
		return err
	}
	if len(services) == 0 {
		fmt.Fprintln(w, muted("no services on the account"))
		return nil
	}

	rows := make([][]string, len(services))
	for i, s := range services {
		pending := ""
		if s.ChangeInProgress {
			pending = "change in progress"
		}
		rows[i] = []string{s.ID, s.AVCID, s.DisplayName, s.SpeedLabel, pending}
	}
	fmt.Fprintln(w, renderTable([]string{"Service", "AVC", "Name", "Speed", "Status"}, rows))
	return nil
}

func listPlans(ctx context.Context, client portalAPI, sf serviceFlags, w io.Writer) error {
	var (
		catalog provider.Catalog
		current string
		err     error
	)
	if sf.avcID != "" {
		catalog, current, err = client.FetchCatalogByAVC(ctx, sf.avcID)
		if err != nil {
			return err
		}
	} else {
		catalog, err = client.FetchCatalog(ctx, sf.serviceID)
		if err != nil {
			return err
		}
		status, err := client.FetchStatus(ctx, sf.serviceID)
		if err != nil {
			return err
		}
		current = status.CurrentPlanID
	}

	fmt.Fprintln(w, renderTable([]string{"", "PSID", "Plan", "Speed", "Price/day"}, planRows(catalog, current)))
	return nil
}

func planRows(catalog provider.Catalog, current string) [][]string {
	rows := make([][]string, len(catalog))
	for i, p := range catalog {
		marker := ""
		if p.ID == current {
			marker = "*"
		}
		price := "-"
		if p.PricePerDay != nil {
			price = fmt.Sprintf("$%.2f", *p.PricePerDay)
		}
		rows[i] = []string{marker, p.ID, p.Label, p.Speed, price}
	}
	return rows
}

func changePlan(ctx context.Context, client portalAPI, sf serviceFlags, label, psid string, w io.Writer) error {
	serviceID := sf.serviceID
	if serviceID == "" {
		services, err := client.ListServices(ctx)
		if err != nil {
			return err
		}
		if serviceID, err = serviceForAVC(services, sf.avcID); err != nil {
			return err
		}
	}

	catalog, err := client.FetchCatalog(ctx, serviceID)
	if err != nil {
		return err
	}
	target, err := resolveTarget(catalog, label, psid)
	if err != nil {
		return err
	}

	ack, err := client.RequestChange(ctx, serviceID, target.ID)
	if err != nil {
		return err
	}
	if !ack.Accepted {
		return fmt.Errorf("portal did not accept the change to %s", target.Label)
	}
	fmt.Fprintln(w, success(fmt.Sprintf("change to %s (%s) requested for service %s", target.Label, target.ID, serviceID)))
	return nil
}

// serviceForAVC finds the service id of the card carrying avcID
func serviceForAVC(services []provider.Service, avcID string) (string, error) {
	for _, s := range services {
		if s.AVCID == avcID {
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("no service with avc %s", avcID)
}

// resolveTarget picks the plan named by exactly one of label or psid.
// Labels match case-insensitively.
func resolveTarget(catalog provider.Catalog, label, psid string) (provider.Plan, error) {
	switch {
	case label != "" && psid != "":
		return provider.Plan{}, errors.New("use either --label or --psid")
	case psid != "":
		if p, ok := catalog.Lookup(psid); ok {
			return p, nil
		}
		return provider.Plan{}, fmt.Errorf("plan %s is not offered for this service", psid)
	case label != "":
		if p, ok := catalog.LookupLabel(label); ok {
			return p, nil
		}
		for _, p := range catalog {
			if strings.EqualFold(p.Label, label) {
				return p, nil
			}
		}
		return provider.Plan{}, fmt.Errorf("plan %q is not offered for this service", label)
	default:
		return provider.Plan{}, errors.New("a target plan is required")
	}
}
