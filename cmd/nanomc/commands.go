package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/micromdm/nanomc/lockdown"
	"github.com/micromdm/nanomc/logkeys"
	"github.com/micromdm/nanomc/mcinstall"
	"github.com/micromdm/nanomc/store"
	storediskv "github.com/micromdm/nanomc/store/diskv"
	"github.com/micromdm/nanomc/utils/mobileconfig"

	"github.com/micromdm/nanolib/log"
)

// maxProfileSize guards against reading absurdly large profile files.
const maxProfileSize = 16 << 20

type tool struct {
	logger log.Logger
	udid   string
	label  string
	store  string
}

func (t *tool) dial() (*mcinstall.Client, error) {
	return mcinstall.Dial(t.udid, t.label, lockdown.WithLogger(t.logger))
}

func readProfile(path string) ([]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxProfileSize {
		return nil, fmt.Errorf("file %q is too large for processing", path)
	}
	return os.ReadFile(path)
}

func (t *tool) install(path string) error {
	raw, err := readProfile(path)
	if err != nil {
		return err
	}

	client, err := t.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	if err = client.Install(raw); err != nil {
		printDescriptions(err)
		return fmt.Errorf("could not install profile %q, status code: 0x%x", path, client.StatusCode())
	}
	fmt.Printf("Profile %q installed successfully.\n", path)

	if t.store != "" {
		t.archive(raw)
	}
	return nil
}

// archive saves an installed profile to the local profile archive,
// named by its top-level payload identifier. Archive failures are
// logged, not fatal: the profile is already on the device.
func (t *tool) archive(raw []byte) {
	payload, _, err := mobileconfig.Mobileconfig(raw).Parse()
	if err != nil {
		t.logger.Info(logkeys.Message, "parsing profile for archive", logkeys.Error, err)
		return
	}
	info := store.Info{
		Identifier:  payload.PayloadIdentifier,
		UUID:        payload.PayloadUUID,
		Version:     payload.PayloadVersion,
		DisplayName: payload.PayloadDisplayName,
	}
	err = storediskv.New(t.store).Store(context.Background(), payload.PayloadIdentifier, info, raw)
	if err != nil {
		t.logger.Info(
			logkeys.Message, "archiving profile",
			logkeys.ProfileIdentifier, payload.PayloadIdentifier,
			logkeys.Error, err,
		)
		return
	}
	t.logger.Debug(
		logkeys.Message, "profile archived",
		logkeys.ProfileIdentifier, payload.PayloadIdentifier,
	)
}

func (t *tool) list() error {
	client, err := t.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	pl, err := client.ProfileList()
	if err != nil {
		printDescriptions(err)
		return fmt.Errorf("could not get installed profiles, status code: 0x%x", client.StatusCode())
	}

	noun := "profiles"
	if len(pl.OrderedIdentifiers) == 1 {
		noun = "profile"
	}
	punct := ":"
	if len(pl.OrderedIdentifiers) == 0 {
		punct = "."
	}
	fmt.Printf("Device has %d configuration %s installed%s\n", len(pl.OrderedIdentifiers), noun, punct)

	for _, identifier := range pl.OrderedIdentifiers {
		md := pl.Metadata(identifier)
		uuid := md.PayloadUUID
		if uuid == "" {
			uuid = "(unknown id)"
		}
		name := md.PayloadDisplayName
		if name == "" {
			name = "(no name)"
		}
		fmt.Printf("%s - %s - %s\n", identifier, uuid, name)
	}
	return nil
}

func (t *tool) remove(identifier string) error {
	client, err := t.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	pl, err := client.ProfileList()
	if err != nil {
		printDescriptions(err)
		return fmt.Errorf("could not get installed profiles, status code: 0x%x", client.StatusCode())
	}

	found := false
	for _, id := range pl.OrderedIdentifiers {
		if id == identifier {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("profile %q not found on device", identifier)
	}

	md := pl.Metadata(identifier)
	if err = client.Remove(identifier, md.PayloadUUID, md.PayloadVersion); err != nil {
		printDescriptions(err)
		return fmt.Errorf("could not remove profile %q, status code: 0x%x", identifier, client.StatusCode())
	}
	fmt.Printf("Profile %q removed.\n", identifier)
	return nil
}

func (t *tool) removeAll() error {
	client, err := t.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	removed, err := client.RemoveAll()
	for _, identifier := range removed {
		fmt.Printf("Profile %q removed.\n", identifier)
	}
	if err != nil {
		printDescriptions(err)
		return fmt.Errorf("could not remove all profiles: %w", err)
	}
	return nil
}

func (t *tool) stored() error {
	if t.store == "" {
		return errors.New("no profile archive path set (use -store)")
	}
	infos, err := storediskv.New(t.store).RetrieveInfos(context.Background(), nil)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(infos))
	for name := range infos {
		names = append(names, name)
	}
	sort.Strings(names)

	noun := "profiles"
	if len(names) == 1 {
		noun = "profile"
	}
	fmt.Printf("Archive has %d %s:\n", len(names), noun)
	for _, name := range names {
		info := infos[name]
		displayName := info.DisplayName
		if displayName == "" {
			displayName = "(no name)"
		}
		fmt.Printf("%s - %s - v%d - %s\n", info.Identifier, info.UUID, info.Version, displayName)
	}
	return nil
}

// printDescriptions prints any localized error descriptions attached to
// a classified device failure, numbered in chain order.
func printDescriptions(err error) {
	var serr *mcinstall.StatusError
	if !errors.As(err, &serr) {
		return
	}
	for i, desc := range serr.Descriptions {
		fmt.Fprintf(os.Stderr, "error %d: %s\n", i, desc)
	}
}
