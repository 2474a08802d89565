package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dbp2p/client/dbp2p"
)

// how long the websocket demo waits for each change event
const demoEventTimeout = 2 * time.Second

// prints every inbound event and forwards change events to `Changes`
type eventPrinter struct {
	colors  *palette
	changes chan *dbp2p.InboundEvent
}

func newEventPrinter(colors *palette) *eventPrinter {
	return &eventPrinter{
		colors:  colors,
		changes: make(chan *dbp2p.InboundEvent, 32),
	}
}

func (self *eventPrinter) Changes() <-chan *dbp2p.InboundEvent {
	return self.changes
}

func (self *eventPrinter) OnCreate(event *dbp2p.InboundEvent) {
	self.printChange("Document created in '%s' with id %s", event)
}

func (self *eventPrinter) OnUpdate(event *dbp2p.InboundEvent) {
	self.printChange("Document updated in '%s' with id %s", event)
}

func (self *eventPrinter) OnDelete(event *dbp2p.InboundEvent) {
	self.printChange("Document deleted from '%s' with id %s", event)
}

func (self *eventPrinter) OnUnknown(event *dbp2p.InboundEvent) {
	Out.Print(self.colors.Sprintf(colorYellow, "[%s] Message: %s", timestamp(), event.Raw))
}

func (self *eventPrinter) OnDecodeError(err *dbp2p.DecodeError) {
	Out.Print(self.colors.Sprintf(colorYellow, "[%s] Non json message: %s", timestamp(), err.Raw))
}

func (self *eventPrinter) printChange(format string, event *dbp2p.InboundEvent) {
	Out.Print(self.colors.Sprintf(colorYellow, "[%s] "+format, timestamp(), event.Collection, event.DocumentId))
	if event.Document != nil && 0 < len(event.Document.Data) {
		Out.Print(self.colors.Sprintf(colorYellow, "Data: %s", indent(event.Document.Data)))
	}
	// never block the receive loop
	select {
	case self.changes <- event:
	default:
	}
}

func timestamp() string {
	return time.Now().Format("15:04:05")
}

func indent(data json.RawMessage) string {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "    ", "  "); err != nil {
		return string(data)
	}
	return out.String()
}

func printDocuments(documents []*dbp2p.Document, colors *palette) {
	Out.Print(colors.Sprintf(colorGreen, "Found %d documents:", len(documents)))
	for i, document := range documents {
		Out.Printf("[%d] id: %s", i+1, document.Id)
		Out.Printf("    data: %s", indent(document.Data))
	}
}

func header(colors *palette, title string) {
	Out.Print(colors.Sprintf(colorHeader, "\n=== %s ===", title))
}

func demoCrud(client *dbp2p.Client, colors *palette) {
	header(colors, "CRUD")
	api := client.Api()

	Out.Print(colors.Sprintf(colorBlue, "Creating a document in 'usuarios'..."))
	document, err := api.CreateDocumentSync("usuarios", map[string]any{
		"nombre": "Juan García",
		"edad": 30,
		"email": "juan@ejemplo.com",
		"intereses": []string{"programación", "música", "viajes"},
	})
	if err != nil {
		Out.Print(colors.Sprintf(colorRed, "Could not create the document (%s).", err))
		return
	}
	Out.Print(colors.Sprintf(colorGreen, "Created document %s", document.Id))

	printDocument := func() {
		document, err := api.GetDocumentSync("usuarios", document.Id)
		if err != nil {
			Out.Print(colors.Sprintf(colorRed, "Could not get the document (%s).", err))
			return
		}
		Out.Printf("%s", indent(document.Data))
	}
	listDocuments := func() {
		documents, err := api.ListCollectionSync("usuarios")
		if err != nil {
			Out.Print(colors.Sprintf(colorRed, "Could not list the collection (%s).", err))
			return
		}
		printDocuments(documents, colors)
	}

	printDocument()
	listDocuments()

	if _, err := api.UpdateDocumentSync("usuarios", document.Id, map[string]any{
		"edad": 31,
		"telefono": "123456789",
	}); err != nil {
		Out.Print(colors.Sprintf(colorRed, "Could not update the document (%s).", err))
	}
	printDocument()

	if _, err := api.DeleteDocumentSync("usuarios", document.Id); err != nil {
		Out.Print(colors.Sprintf(colorRed, "Could not delete the document (%s).", err))
	} else {
		Out.Print(colors.Sprintf(colorGreen, "Deleted document %s", document.Id))
	}
	listDocuments()
}

func demoBackup(client *dbp2p.Client, colors *palette) {
	header(colors, "BACKUPS")
	api := client.Api()

	document, err := api.CreateDocumentSync("productos", map[string]any{
		"nombre": "Laptop",
		"precio": 1200,
		"stock": 10,
	})
	if err != nil {
		Out.Print(colors.Sprintf(colorRed, "Could not create the test document (%s). Skipping the backup demo.", err))
		return
	}

	backup, err := api.CreateBackupSync()
	if err != nil {
		Out.Print(colors.Sprintf(colorRed, "Could not create a backup (%s). Skipping the rest of the demo.", err))
		return
	}
	Out.Print(colors.Sprintf(colorGreen, "Created backup %s", backup.BackupName))

	if backupNames, err := api.ListBackupsSync(); err != nil {
		Out.Print(colors.Sprintf(colorRed, "Could not list backups (%s).", err))
	} else {
		Out.Print(colors.Sprintf(colorGreen, "Backups:"))
		for i, backupName := range backupNames {
			Out.Printf("  [%d] %s", i+1, backupName)
		}
	}

	if _, err := api.DeleteDocumentSync("productos", document.Id); err != nil {
		Out.Print(colors.Sprintf(colorRed, "Could not delete the document (%s).", err))
	}

	if _, err := api.RestoreBackupSync(backup.BackupName); err != nil {
		Out.Print(colors.Sprintf(colorRed, "Could not restore the backup (%s).", err))
		return
	}
	Out.Print(colors.Sprintf(colorGreen, "Restored backup %s", backup.BackupName))

	if documents, err := api.ListCollectionSync("productos"); err == nil {
		printDocuments(documents, colors)
	}
}

func demoUsers(client *dbp2p.Client, colors *palette) {
	header(colors, "USERS")
	api := client.Api()

	printUsers := func() {
		users, err := api.ListUsersSync()
		if err != nil {
			Out.Print(colors.Sprintf(colorRed, "Could not list users (%s).", err))
			return
		}
		Out.Print(colors.Sprintf(colorGreen, "Users:"))
		for i, user := range users {
			Out.Printf("[%d] id: %s", i+1, user.Id)
			Out.Printf("    username: %s", user.Username)
			Out.Printf("    roles: %s", joinRoles(user.Roles))
			Out.Printf("    api keys: %d", len(user.ApiKeys))
		}
	}

	printUsers()

	if roles, err := api.ListRolesSync(); err != nil {
		Out.Print(colors.Sprintf(colorRed, "Could not list roles (%s).", err))
	} else {
		Out.Print(colors.Sprintf(colorGreen, "Roles:"))
		for i, role := range roles {
			Out.Printf("[%d] name: %s", i+1, role.Name)
			Out.Printf("    description: %s", role.Description)
			Out.Printf("    permissions: %d", len(role.Permissions))
		}
	}

	user, err := api.CreateUserSync(&dbp2p.CreateUserArgs{
		Username: "test_user",
		Password: "password123",
		Roles:    []string{"reader"},
	})
	if err != nil {
		Out.Print(colors.Sprintf(colorRed, "Could not create the test user (%s). Skipping the rest of the demo.", err))
		return
	}
	Out.Print(colors.Sprintf(colorGreen, "Created user %s", user.Id))

	printUsers()

	apiKey, err := api.CreateApiKeySync(user.Id, &dbp2p.CreateApiKeyArgs{
		Name:      "test key",
		ValidDays: 30,
	})
	if err != nil {
		Out.Print(colors.Sprintf(colorRed, "Could not create an api key (%s).", err))
		return
	}
	Out.Print(colors.Sprintf(colorGreen, "Created api key %s", apiKey.Token))
}

// each write should come back as a change event on the subscribed collection
func demoWebsocket(ctx context.Context, client *dbp2p.Client, events *eventPrinter, colors *palette) {
	header(colors, "WEBSOCKET")

	if err := client.Connect(ctx); err != nil {
		Out.Print(colors.Sprintf(colorRed, "Could not connect the event channel (%s). Skipping the demo.", err))
		return
	}
	Out.Print(colors.Sprintf(colorGreen, "Event channel open"))

	if err := client.Subscribe("usuarios", ""); err != nil {
		Out.Print(colors.Sprintf(colorRed, "Could not subscribe (%s). Skipping the demo.", err))
		return
	}

	api := client.Api()
	written := make(chan dbp2p.EventKind)

	g, gctx := errgroup.WithContext(ctx)
	emit := func(kind dbp2p.EventKind) error {
		select {
		case written <- kind:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	}
	g.Go(func() error {
		defer close(written)

		document, err := api.CreateDocumentSync("usuarios", map[string]any{
			"nombre": "María López",
			"edad": 28,
			"email": "maria@ejemplo.com",
		})
		if err != nil {
			return fmt.Errorf("create: %w", err)
		}
		if err := emit(dbp2p.EventCreate); err != nil {
			return err
		}

		if _, err := api.UpdateDocumentSync("usuarios", document.Id, map[string]any{
			"profesion": "Ingeniera de Software",
		}); err != nil {
			return fmt.Errorf("update: %w", err)
		}
		if err := emit(dbp2p.EventUpdate); err != nil {
			return err
		}

		if _, err := api.DeleteDocumentSync("usuarios", document.Id); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		return emit(dbp2p.EventDelete)
	})
	g.Go(func() error {
		for kind := range written {
			select {
			case <-gctx.Done():
				return nil
			case event := <-events.Changes():
				if event.Kind != kind {
					Out.Print(colors.Sprintf(colorYellow, "Expected a %s event, got %s.", kind, event.Kind))
				}
			case <-time.After(demoEventTimeout):
				Out.Print(colors.Sprintf(colorYellow, "No %s event within %s.", kind, demoEventTimeout))
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		Out.Print(colors.Sprintf(colorRed, "Websocket demo failed (%s).", err))
	}

	if err := client.Unsubscribe("usuarios", ""); err != nil {
		Out.Print(colors.Sprintf(colorRed, "Could not unsubscribe (%s).", err))
	}
	Out.Print(colors.Sprintf(colorGreen, "Websocket demo complete"))
}
