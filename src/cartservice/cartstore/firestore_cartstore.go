package cartstore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/norun9/microservices-demo-ambient/src/cartservice/cart"
)

const (
	usersCollection    = "users"
	cartCollection     = "cart"
	profilesCollection = "profiles"
)

// FirestoreCartStore keeps each cart entry as a document in users/<uid>/cart.
type FirestoreCartStore struct {
	client *firestore.Client
	log    logrus.FieldLogger
}

func NewFirestoreCartStore(client *firestore.Client, log logrus.FieldLogger) *FirestoreCartStore {
	return &FirestoreCartStore{client: client, log: log}
}

type fsItem struct {
	ProductID     string    `firestore:"productId"`
	Name          string    `firestore:"name"`
	Price         int64     `firestore:"price"`
	Image         string    `firestore:"image"`
	Quantity      int       `firestore:"quantity"`
	SelectedSize  *string   `firestore:"selectedSize"`
	SelectedColor int       `firestore:"selectedColor"`
	AddedAt       time.Time `firestore:"addedAt"`
}

type fsProfile struct {
	Email       string    `firestore:"email"`
	DisplayName string    `firestore:"displayName"`
	PhotoURL    *string   `firestore:"photoURL"`
	CreatedAt   time.Time `firestore:"createdAt"`
	LastLogin   time.Time `firestore:"lastLogin"`
}

func (f *FirestoreCartStore) cartCol(userID string) *firestore.CollectionRef {
	return f.client.Collection(usersCollection).Doc(userID).Collection(cartCollection)
}

func (f *FirestoreCartStore) Initialize(ctx context.Context) error {
	if !f.Ping(ctx) {
		return errors.New("firestore is not reachable")
	}
	f.log.Info("FirestoreCartStore initialized")
	return nil
}

func (f *FirestoreCartStore) ReadItems(ctx context.Context, userID string) ([]cart.LineItem, error) {
	iter := f.cartCol(userID).Documents(ctx)
	defer iter.Stop()

	items := make([]cart.LineItem, 0)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "firestore list cart")
		}
		var doc fsItem
		if err := snap.DataTo(&doc); err != nil {
			return nil, errors.Wrapf(err, "failed to decode cart item %s", snap.Ref.ID)
		}
		items = append(items, doc.toDomain(snap.Ref.ID))
	}
	sortItems(items)
	return items, nil
}

func (f *FirestoreCartStore) ReadItem(ctx context.Context, userID, itemID string) (*cart.LineItem, error) {
	snap, err := f.cartCol(userID).Doc(itemID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "firestore get cart item")
	}
	var doc fsItem
	if err := snap.DataTo(&doc); err != nil {
		return nil, errors.Wrapf(err, "failed to decode cart item %s", itemID)
	}
	it := doc.toDomain(itemID)
	return &it, nil
}

func (f *FirestoreCartStore) WriteItem(ctx context.Context, userID string, item cart.LineItem) error {
	doc := fsItem{
		ProductID:     item.ProductID,
		Name:          item.Name,
		Price:         item.Price,
		Image:         item.Image,
		Quantity:      item.Quantity,
		SelectedSize:  item.SelectedSize,
		SelectedColor: item.SelectedColor,
		AddedAt:       item.AddedAt,
	}
	if _, err := f.cartCol(userID).Doc(item.ID).Set(ctx, doc); err != nil {
		return errors.Wrap(err, "firestore set cart item")
	}
	return nil
}

// PatchItem relies on Update failing with NotFound for a missing document.
func (f *FirestoreCartStore) PatchItem(ctx context.Context, userID, itemID string, updates cart.ItemUpdates) error {
	var fsUpdates []firestore.Update
	for path, value := range updates.Fields() {
		fsUpdates = append(fsUpdates, firestore.Update{Path: path, Value: value})
	}
	_, err := f.cartCol(userID).Doc(itemID).Update(ctx, fsUpdates)
	if status.Code(err) == codes.NotFound {
		return ErrItemNotFound
	}
	if err != nil {
		return errors.Wrap(err, "firestore update cart item")
	}
	return nil
}

func (f *FirestoreCartStore) DeleteItem(ctx context.Context, userID, itemID string) error {
	if _, err := f.cartCol(userID).Doc(itemID).Delete(ctx); err != nil {
		return errors.Wrap(err, "firestore delete cart item")
	}
	return nil
}

// DeleteCart removes every document of the cart subcollection through a BulkWriter.
func (f *FirestoreCartStore) DeleteCart(ctx context.Context, userID string) error {
	refs := f.cartCol(userID).DocumentRefs(ctx)
	bw := f.client.BulkWriter(ctx)

	var jobs []*firestore.BulkWriterJob
	for {
		ref, err := refs.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bw.End()
			return errors.Wrap(err, "firestore list cart")
		}
		job, err := bw.Delete(ref)
		if err != nil {
			bw.End()
			return errors.Wrap(err, "firestore enqueue delete")
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil && status.Code(err) != codes.NotFound {
			return errors.Wrap(err, "firestore delete cart")
		}
	}
	return nil
}

func (f *FirestoreCartStore) NewItemID(ctx context.Context, userID string) (string, error) {
	return f.cartCol(userID).NewDoc().ID, nil
}

func (f *FirestoreCartStore) Ping(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	iter := f.client.Collection(profilesCollection).Limit(1).Documents(pingCtx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && err != iterator.Done {
		f.log.WithError(err).Warn("FirestoreCartStore: Ping failed")
		return false
	}
	return true
}

func (f *FirestoreCartStore) ReadProfile(ctx context.Context, userID string) (*cart.Profile, error) {
	snap, err := f.client.Collection(profilesCollection).Doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "firestore get profile")
	}
	var doc fsProfile
	if err := snap.DataTo(&doc); err != nil {
		return nil, errors.Wrap(err, "failed to decode profile")
	}
	return &cart.Profile{
		UID:         userID,
		Email:       doc.Email,
		DisplayName: doc.DisplayName,
		PhotoURL:    doc.PhotoURL,
		CreatedAt:   doc.CreatedAt.UTC(),
		LastLogin:   doc.LastLogin.UTC(),
	}, nil
}

func (f *FirestoreCartStore) WriteProfile(ctx context.Context, profile cart.Profile) error {
	doc := fsProfile{
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		PhotoURL:    profile.PhotoURL,
		CreatedAt:   profile.CreatedAt,
		LastLogin:   profile.LastLogin,
	}
	if _, err := f.client.Collection(profilesCollection).Doc(profile.UID).Set(ctx, doc); err != nil {
		return errors.Wrap(err, "firestore set profile")
	}
	return nil
}

func (f *FirestoreCartStore) PatchProfile(ctx context.Context, userID string, updates cart.ProfileUpdates) error {
	var fsUpdates []firestore.Update
	if updates.DisplayName != nil {
		fsUpdates = append(fsUpdates, firestore.Update{Path: "displayName", Value: *updates.DisplayName})
	}
	if updates.PhotoURL != nil {
		fsUpdates = append(fsUpdates, firestore.Update{Path: "photoURL", Value: *updates.PhotoURL})
	}
	if updates.LastLogin != nil {
		fsUpdates = append(fsUpdates, firestore.Update{Path: "lastLogin", Value: *updates.LastLogin})
	}
	_, err := f.client.Collection(profilesCollection).Doc(userID).Update(ctx, fsUpdates)
	if status.Code(err) == codes.NotFound {
		return cart.ErrProfileNotFound
	}
	if err != nil {
		return errors.Wrap(err, "firestore update profile")
	}
	return nil
}

func (d fsItem) toDomain(id string) cart.LineItem {
	size := d.SelectedSize
	if size != nil {
		size = cart.Size(*size)
	}
	return cart.LineItem{
		ID:            id,
		ProductID:     d.ProductID,
		Name:          d.Name,
		Price:         d.Price,
		Image:         d.Image,
		Quantity:      d.Quantity,
		SelectedSize:  size,
		SelectedColor: d.SelectedColor,
		AddedAt:       d.AddedAt.UTC(),
	}
}
