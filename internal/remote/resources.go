package remote

import (
	"context"
	"net/url"
	"strings"
	"time"

	"tasksync/internal/models"
)

// TaskList is a remote to-do list.
type TaskList struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"displayName"`
	ETag        string `json:"@odata.etag,omitempty"`
}

type DateTimeTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

// Removed marks a tombstone in a delta page.
type Removed struct {
	Reason string `json:"reason"`
}

// TodoItem is a remote to-do item.
type TodoItem struct {
	ID          string            `json:"id,omitempty"`
	ETag        string            `json:"@odata.etag,omitempty"`
	Title       string            `json:"title"`
	Status      string            `json:"status,omitempty"`
	Importance  string            `json:"importance,omitempty"`
	DueDateTime *DateTimeTimeZone `json:"dueDateTime"`
	Removed     *Removed          `json:"@removed,omitempty"`
}

const (
	ItemStatusCompleted  = "completed"
	ItemStatusNotStarted = "notStarted"
)

// IsRemoved reports whether the item is a delta tombstone.
func (i *TodoItem) IsRemoved() bool { return i.Removed != nil }

// Fields projects the item onto the mirrored local fields.
func (i *TodoItem) Fields() models.TaskFields {
	f := models.TaskFields{
		Name:        i.Title,
		Priority:    models.NormalizePriority(i.Importance),
		IsCompleted: i.Status == ItemStatusCompleted,
	}
	if i.DueDateTime != nil && len(i.DueDateTime.DateTime) >= len("2006-01-02") {
		if d, err := time.Parse("2006-01-02", i.DueDateTime.DateTime[:10]); err == nil {
			f.DueDate = &d
		}
	}
	return f
}

// ItemFromFields builds the request body for a create or update.
func ItemFromFields(f models.TaskFields) TodoItem {
	item := TodoItem{
		Title:      f.Name,
		Importance: models.NormalizePriority(f.Priority),
		Status:     ItemStatusNotStarted,
	}
	if f.IsCompleted {
		item.Status = ItemStatusCompleted
	}
	if f.DueDate != nil {
		item.DueDateTime = &DateTimeTimeZone{
			DateTime: f.DueDate.UTC().Format("2006-01-02") + "T00:00:00.0000000",
			TimeZone: "UTC",
		}
	}
	return item
}

// DeltaPage is one page of a delta query.
type DeltaPage struct {
	Items     []TodoItem `json:"value"`
	NextLink  string     `json:"@odata.nextLink,omitempty"`
	DeltaLink string     `json:"@odata.deltaLink,omitempty"`
}

// Subscription is a push-notification subscription on a list's items.
type Subscription struct {
	ID                 string    `json:"id,omitempty"`
	Resource           string    `json:"resource,omitempty"`
	ChangeType         string    `json:"changeType,omitempty"`
	NotificationURL    string    `json:"notificationUrl,omitempty"`
	ClientState        string    `json:"clientState,omitempty"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
}

type collection[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink,omitempty"`
}

func listPath(listID string) string {
	return "me/todo/lists/" + url.PathEscape(listID)
}

func itemsPath(listID string) string {
	return listPath(listID) + "/tasks"
}

// ItemsResource is the subscription resource for the items of a list.
func ItemsResource(listID string) string {
	return itemsPath(listID)
}

// ListIDFromResource extracts the list id from a notification resource path.
func ListIDFromResource(resource string) string {
	const prefix = "lists/"
	i := strings.Index(resource, prefix)
	if i < 0 {
		return ""
	}
	rest := resource[i+len(prefix):]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	id, err := url.PathUnescape(rest)
	if err != nil {
		return rest
	}
	return id
}

// ListLists returns every to-do list of the signed-in user.
func (c *Client) ListLists(ctx context.Context, token string) ([]TaskList, error) {
	var lists []TaskList
	target := "me/todo/lists"
	for target != "" {
		var page collection[TaskList]
		if _, err := c.Get(ctx, token, target, &page); err != nil {
			return nil, err
		}
		lists = append(lists, page.Value...)
		target = page.NextLink
	}
	return lists, nil
}

func (c *Client) CreateList(ctx context.Context, token, displayName string) (*TaskList, error) {
	var list TaskList
	if _, err := c.Post(ctx, token, "me/todo/lists", TaskList{DisplayName: displayName}, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) DeleteList(ctx context.Context, token, listID string) error {
	_, err := c.Delete(ctx, token, listPath(listID))
	return err
}

// DeltaStartURL is the target of a fresh delta query on a list.
func DeltaStartURL(listID string) string {
	return itemsPath(listID) + "/delta"
}

// Delta fetches one delta page. target is a start path or a service-issued
// next/delta link.
func (c *Client) Delta(ctx context.Context, token, target string) (*DeltaPage, error) {
	var page DeltaPage
	if _, err := c.Get(ctx, token, target, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) CreateItem(ctx context.Context, token, listID string, item TodoItem) (*TodoItem, error) {
	var created TodoItem
	if _, err := c.Post(ctx, token, itemsPath(listID), item, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateItem patches an item, guarded by ifMatch when non-empty.
func (c *Client) UpdateItem(ctx context.Context, token, listID, itemID, ifMatch string, item TodoItem) (*TodoItem, error) {
	var updated TodoItem
	if _, err := c.Patch(ctx, token, itemsPath(listID)+"/"+url.PathEscape(itemID), item, &updated, IfMatch(ifMatch)); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (c *Client) DeleteItem(ctx context.Context, token, listID, itemID string) error {
	_, err := c.Delete(ctx, token, itemsPath(listID)+"/"+url.PathEscape(itemID))
	return err
}

func (c *Client) CreateSubscription(ctx context.Context, token string, sub Subscription) (*Subscription, error) {
	if sub.ChangeType == "" {
		sub.ChangeType = "created,updated,deleted"
	}
	var created Subscription
	if _, err := c.Post(ctx, token, "subscriptions", sub, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) RenewSubscription(ctx context.Context, token, subscriptionID string, expiresAt time.Time) (*Subscription, error) {
	var renewed Subscription
	body := map[string]time.Time{"expirationDateTime": expiresAt.UTC()}
	if _, err := c.Patch(ctx, token, "subscriptions/"+url.PathEscape(subscriptionID), body, &renewed); err != nil {
		return nil, err
	}
	return &renewed, nil
}

func (c *Client) DeleteSubscription(ctx context.Context, token, subscriptionID string) error {
	_, err := c.Delete(ctx, token, "subscriptions/"+url.PathEscape(subscriptionID))
	return err
}
